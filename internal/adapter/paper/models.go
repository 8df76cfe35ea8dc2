package paper

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Account is the single cash balance of the paper book
type Account struct {
	gorm.Model
	Cash decimal.Decimal `gorm:"type:text;not null"`
}

// Position is the share count held per symbol
type Position struct {
	gorm.Model
	Symbol  string          `gorm:"uniqueIndex;not null"`
	Shares  int64           `gorm:"not null"`
	AvgCost decimal.Decimal `gorm:"type:text;not null"`
}

// Fill journals every executed order by order id. It lets the engine ask
// whether a submission whose outcome it lost actually went through.
type Fill struct {
	ID         uint            `gorm:"primarykey"`
	OrderID    string          `gorm:"uniqueIndex;not null"`
	Symbol     string          `gorm:"not null"`
	Side       string          `gorm:"not null"`
	Price      decimal.Decimal `gorm:"type:text;not null"`
	Shares     int64           `gorm:"not null"`
	Commission decimal.Decimal `gorm:"type:text;not null"`
	CreatedAt  time.Time
}

func (Fill) TableName() string {
	return "paper_fills"
}
