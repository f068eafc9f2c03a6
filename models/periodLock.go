package models

import "time"

// PeriodLock is a closed [StartDate, EndDate] range. Locks are never removed.
type PeriodLock struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;not null;index:idx_period_lock_range,priority:1" json:"business_id"`
	StartDate  time.Time `gorm:"type:date;not null;index:idx_period_lock_range,priority:2" json:"start_date"`
	EndDate    time.Time `gorm:"type:date;not null;index:idx_period_lock_range,priority:3" json:"end_date"`
	LockedBy   string    `gorm:"size:100" json:"locked_by"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (l PeriodLock) Contains(date time.Time) bool {
	d := DateOnly(date)
	return !d.Before(DateOnly(l.StartDate)) && !d.After(DateOnly(l.EndDate))
}

type FiscalYear struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;not null;index" json:"business_id"`
	StartDate  time.Time `gorm:"type:date;not null" json:"start_date"`
	EndDate    time.Time `gorm:"type:date;not null" json:"end_date"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (fy FiscalYear) Contains(date time.Time) bool {
	d := DateOnly(date)
	return !d.Before(DateOnly(fy.StartDate)) && !d.After(DateOnly(fy.EndDate))
}

// EntitySequence holds the last immutable sequence handed out per business.
type EntitySequence struct {
	BusinessId string `gorm:"primary_key;size:64"`
	LastSeq    int64  `gorm:"not null;default:0"`
}
