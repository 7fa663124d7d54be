package models

import "time"

// UserActivity is one raw activity event. Aggregation jobs read these.
type UserActivity struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       string    `gorm:"size:64;index;not null" json:"user_id"`
	ActivityType string    `gorm:"size:50;index" json:"activity_type"` // login, view, purchase, ...
	Amount       int64     `json:"amount"`
	OccurredAt   time.Time `gorm:"index;not null" json:"occurred_at"`
	CreatedAt    time.Time `json:"created_at"`
}

func (UserActivity) TableName() string { return "user_activities" }

// DailyStat is the per-user rollup of one day.
type DailyStat struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	StatDate      time.Time `gorm:"uniqueIndex:idx_daily_date_user;not null" json:"stat_date"`
	UserID        string    `gorm:"uniqueIndex:idx_daily_date_user;size:64;not null" json:"user_id"`
	ActivityCount int64     `json:"activity_count"`
	TotalAmount   int64     `json:"total_amount"`
	CreatedAt     time.Time `json:"created_at"`
}

func (DailyStat) TableName() string { return "daily_stats" }

// WeeklyStat is the per-user rollup of one ISO week (Monday start).
type WeeklyStat struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	WeekStart     time.Time `gorm:"uniqueIndex:idx_weekly_week_user;not null" json:"week_start"`
	UserID        string    `gorm:"uniqueIndex:idx_weekly_week_user;size:64;not null" json:"user_id"`
	ActivityCount int64     `json:"activity_count"`
	TotalAmount   int64     `json:"total_amount"`
	ActiveDays    int64     `json:"active_days"`
	CreatedAt     time.Time `json:"created_at"`
}

func (WeeklyStat) TableName() string { return "weekly_stats" }

// MonthlyStat is the per-user rollup of one calendar month.
type MonthlyStat struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Month         string    `gorm:"uniqueIndex:idx_monthly_month_user;size:7;not null" json:"month"` // yyyy-mm
	UserID        string    `gorm:"uniqueIndex:idx_monthly_month_user;size:64;not null" json:"user_id"`
	ActivityCount int64     `json:"activity_count"`
	TotalAmount   int64     `json:"total_amount"`
	ActiveDays    int64     `json:"active_days"`
	CreatedAt     time.Time `json:"created_at"`
}

func (MonthlyStat) TableName() string { return "monthly_stats" }
