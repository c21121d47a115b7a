// Package events provides event management functionality.
package events

import (
	"encoding/json"
	"time"
)

// EventType represents different event types
type EventType string

const (
	// Market engine
	MarketTick EventType = "MARKET_TICK"

	// Transaction engine
	TradeExecuted    EventType = "TRADE_EXECUTED"
	ListingCreated   EventType = "LISTING_CREATED"
	AuctionCompleted EventType = "AUCTION_COMPLETED"

	// Presence transitions
	UserOnline  EventType = "USER_ONLINE"
	UserOffline EventType = "USER_OFFLINE"

	// Chat
	LeaveMessageStored EventType = "LEAVE_MESSAGE_STORED"

	// System
	ErrorOccurred   EventType = "ERROR_OCCURRED"
	BackupCompleted EventType = "BACKUP_COMPLETED"
)

// Event represents a system event with typed data
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// EventData is the interface that all typed event payloads implement.
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// MarketTickData is published once per biome per market tick.
type MarketTickData struct {
	Biome       string  `json:"biome"`
	Price       int64   `json:"price"`
	Pool        int64   `json:"pool"`
	TotalShares float64 `json:"total_shares"`
	PctChange   float64 `json:"pct_change"`
	At          int64   `json:"at"` // Unix milliseconds
}

// EventType returns the event type for MarketTickData
func (d *MarketTickData) EventType() EventType {
	return MarketTick
}

// TradeExecutedData describes one completed ledger transaction.
type TradeExecutedData struct {
	Kind     string  `json:"kind"`
	BuyerID  string  `json:"buyer_id"`
	SellerID string  `json:"seller_id,omitempty"`
	LandID   string  `json:"land_id,omitempty"`
	Biome    string  `json:"biome,omitempty"`
	Amount   int64   `json:"amount"`
	Fee      int64   `json:"fee"`
	Shares   float64 `json:"shares,omitempty"`
}

// EventType returns the event type for TradeExecutedData
func (d *TradeExecutedData) EventType() EventType {
	return TradeExecuted
}

// UserOnlineData marks a user's first connection coming up.
type UserOnlineData struct {
	UserID string `json:"user_id"`
}

// EventType returns the event type for UserOnlineData
func (d *UserOnlineData) EventType() EventType {
	return UserOnline
}

// UserOfflineData marks a user's last connection going away (grace expired).
type UserOfflineData struct {
	UserID string `json:"user_id"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
}

// EventType returns the event type for UserOfflineData
func (d *UserOfflineData) EventType() EventType {
	return UserOffline
}

// BackupCompletedData announces one finished cloud backup.
type BackupCompletedData struct {
	Archive   string `json:"archive"`
	SizeBytes int64  `json:"size_bytes"`
}

// EventType returns the event type for BackupCompletedData
func (d *BackupCompletedData) EventType() EventType {
	return BackupCompleted
}

// ErrorEventData carries a component error onto the bus.
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// GetTypedData attempts to convert the Data map to typed EventData.
// Returns the typed data if conversion is successful, nil otherwise.
func (e *Event) GetTypedData() EventData {
	if e.Data == nil {
		return nil
	}

	switch e.Type {
	case MarketTick:
		var data MarketTickData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case TradeExecuted:
		var data TradeExecutedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case UserOnline:
		var data UserOnlineData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case UserOffline:
		var data UserOfflineData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case BackupCompleted:
		var data BackupCompletedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case ErrorOccurred:
		var data ErrorEventData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	}

	return nil
}

// convertMapToStruct converts a map[string]interface{} to a struct via a
// JSON round trip.
func convertMapToStruct(m map[string]interface{}, dest interface{}) error {
	jsonBytes, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonBytes, dest)
}
