package handlers

import "time"

// OrderBody is the representation of an order returned by the API.
type OrderBody struct {
	ID        string    `doc:"The order ID"            example:"V1StGXR8"             json:"id"`
	Item      string    `doc:"The ordered item"        example:"book"                 json:"item"`
	Quantity  int       `doc:"How many items"          example:"2"                    json:"quantity"`
	CreatedAt time.Time `doc:"When the order was made" example:"2024-01-01T00:00:00Z" json:"createdAt"`
}

// CreateOrderRequest is the request body for placing an order.
type CreateOrderRequest struct {
	Body struct {
		Item     string `doc:"The item to order" example:"book" json:"item"     maxLength:"200" minLength:"1"`
		Quantity int    `doc:"How many items"    example:"2"    json:"quantity" maximum:"1000"  minimum:"1"`
	}
}

// CreateOrderResponse is the response for a placed order.
type CreateOrderResponse struct {
	Location string `doc:"The order location" header:"Location"`
	Body     OrderBody
}

// GetOrderRequest is the request for fetching an order.
type GetOrderRequest struct {
	ID string `doc:"The order ID" example:"V1StGXR8" path:"id"`
}

// GetOrderResponse is the response for a fetched order.
type GetOrderResponse struct {
	Body OrderBody
}
