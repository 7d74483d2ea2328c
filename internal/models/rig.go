package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const RigSettingsID = "global"

type RigMode string

const (
	RigOff        RigMode = "off"
	RigPercentage RigMode = "percentage"
	RigRounds     RigMode = "rounds"
)

// RiggedMode selects how each armed round is forced in RigRounds mode.
type RiggedMode string

const (
	RiggedUnder2x    RiggedMode = "under2x"
	RiggedUnder15x   RiggedMode = "1.5x"
	RiggedUnder11x   RiggedMode = "1.1x"
	RiggedRandomized RiggedMode = "randomized"
)

// RigSettings is the singleton operator configuration row. Version grows by
// one on every mutation so a round can record which snapshot it used.
type RigSettings struct {
	ID                    string          `json:"id" gorm:"primaryKey;type:varchar(16)"`
	RigMode               RigMode         `json:"rig_mode" gorm:"type:varchar(16);not null"`
	Under101Percent       decimal.Decimal `json:"under_101_percent" gorm:"type:numeric(5,2);not null"`
	Under11Percent        decimal.Decimal `json:"under_11_percent" gorm:"type:numeric(5,2);not null"`
	Under15Percent        decimal.Decimal `json:"under_15_percent" gorm:"type:numeric(5,2);not null"`
	Under2Percent         decimal.Decimal `json:"under_2_percent" gorm:"type:numeric(5,2);not null"`
	Over10Percent         decimal.Decimal `json:"over_10_percent" gorm:"type:numeric(5,2);not null"`
	Over50Percent         decimal.Decimal `json:"over_50_percent" gorm:"type:numeric(5,2);not null"`
	RiggedRoundsRemaining int             `json:"rigged_rounds_remaining" gorm:"not null"`
	RiggedMaxMultiplier   decimal.Decimal `json:"rigged_max_multiplier" gorm:"type:numeric(6,2);not null"`
	RiggedMode            RiggedMode      `json:"rigged_mode" gorm:"type:varchar(16);not null"`
	Version               int64           `json:"version" gorm:"not null"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

func (RigSettings) TableName() string {
	return "crash_rig_settings"
}

func DefaultRigSettings() RigSettings {
	return RigSettings{
		ID:                  RigSettingsID,
		RigMode:             RigOff,
		RiggedMaxMultiplier: decimal.NewFromInt(2),
		RiggedMode:          RiggedUnder2x,
	}
}

// PercentageTargets are the long-run bucket targets for RigPercentage. A zero
// target leaves its bucket unconstrained.
type PercentageTargets struct {
	Under101 decimal.Decimal `json:"under_101" validate:"gte=0,lte=100"`
	Under11  decimal.Decimal `json:"under_11" validate:"gte=0,lte=100"`
	Under15  decimal.Decimal `json:"under_15" validate:"gte=0,lte=100"`
	Under2   decimal.Decimal `json:"under_2" validate:"gte=0,lte=100"`
	Over10   decimal.Decimal `json:"over_10" validate:"gte=0,lte=100"`
	Over50   decimal.Decimal `json:"over_50" validate:"gte=0,lte=100"`
}

type RiggedRoundsCommand struct {
	Count         int             `json:"count" validate:"gt=0,lte=10000"`
	Mode          RiggedMode      `json:"mode" validate:"oneof=under2x 1.5x 1.1x randomized"`
	MaxMultiplier decimal.Decimal `json:"max_multiplier" validate:"gte=1,lte=9999"`
}

func (s RigSettings) Targets() PercentageTargets {
	return PercentageTargets{
		Under101: s.Under101Percent,
		Under11:  s.Under11Percent,
		Under15:  s.Under15Percent,
		Under2:   s.Under2Percent,
		Over10:   s.Over10Percent,
		Over50:   s.Over50Percent,
	}
}
