package services

import (
	"math"

	"github.com/amirphl/vendor-relay/config"
	"github.com/amirphl/vendor-relay/models"
)

// PricingService estimates the cost of a send in USD
type PricingService interface {
	EstimateCost(channel models.Channel, count int) float64
}

type UnitPricingService struct {
	cfg config.PricingConfig
}

func NewPricingService(cfg config.PricingConfig) PricingService {
	return &UnitPricingService{cfg: cfg}
}

// EstimateCost multiplies the channel's unit price, rounded to four decimals
func (p *UnitPricingService) EstimateCost(channel models.Channel, count int) float64 {
	if count <= 0 {
		return 0
	}
	unit := p.cfg.EmailUnitPrice
	if channel == models.ChannelSMS {
		unit = p.cfg.SMSUnitPrice
	}
	return math.Round(unit*float64(count)*1e4) / 1e4
}
