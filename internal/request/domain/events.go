package domain

type RequestCreated struct {
	RequestID string
	ListingID string
	BuyerID   string
	Quantity  int
}

func (RequestCreated) Type() string          { return "RequestCreated" }
func (e RequestCreated) AggregateID() string { return e.RequestID }

type RequestResolved struct {
	RequestID     string
	ListingID     string
	ActorID       string
	Decision      Decision
	Status        Status
	Quantity      int
	ListingStatus string `json:",omitempty"`
	ListingStock  *int   `json:",omitempty"`
}

func (e RequestResolved) Type() string {
	switch e.Status {
	case StatusApproved:
		return "RequestApproved"
	case StatusRejected:
		return "RequestRejected"
	case StatusCancelled:
		return "RequestCancelled"
	}
	return "RequestResolved"
}

func (e RequestResolved) AggregateID() string { return e.RequestID }
