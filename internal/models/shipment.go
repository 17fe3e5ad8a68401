package models

import "time"

type Shipment struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	ShipmentDate time.Time `json:"shipmentDate"`
	CreatedAt    time.Time `json:"createdAt"`
	DocumentPath string    `json:"documentPath,omitempty"` // object path of the archived source document
	PendingSync  bool      `json:"pendingSync"`
}
