package domain

type ListingPublished struct {
	ListingID string
	SellerID  string
}

func (ListingPublished) Type() string          { return "ListingPublished" }
func (e ListingPublished) AggregateID() string { return e.ListingID }

type ListingCancelled struct {
	ListingID string
	SellerID  string
}

func (ListingCancelled) Type() string          { return "ListingCancelled" }
func (e ListingCancelled) AggregateID() string { return e.ListingID }
