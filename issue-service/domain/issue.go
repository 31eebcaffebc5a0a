package domain

import (
	"context"
	"strings"
	"time"
)

// IssueStatus drives the negotiation workflow.
type IssueStatus string

const (
	IssuePending   IssueStatus = "PENDING"
	IssueOffered   IssueStatus = "OFFERED"
	IssueAccepted  IssueStatus = "ACCEPTED"
	IssueCancelled IssueStatus = "CANCELLED"
)

// ActionableStatuses are the statuses in which mechanics may still offer.
var ActionableStatuses = []IssueStatus{IssuePending, IssueOffered}

type OfferStatus string

const (
	OfferPending  OfferStatus = "PENDING"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferRejected OfferStatus = "REJECTED"
)

// Offer is a mechanic's priced proposal for one issue.
type Offer struct {
	MechanicID    string      `bson:"mechanicId" json:"mechanicId"`
	Price         float64     `bson:"price" json:"price"`
	EstimatedTime int         `bson:"estimatedTime" json:"estimatedTime"` // minutes
	Notes         string      `bson:"notes" json:"notes"`
	Status        OfferStatus `bson:"status" json:"status"`
	SubmittedAt   time.Time   `bson:"submittedAt" json:"submittedAt"`
}

// Issue is a user-reported roadside problem together with its offers.
type Issue struct {
	ID              string      `bson:"_id" json:"id"`
	ReporterID      string      `bson:"reporterId" json:"reporterId"`
	Location        Location    `bson:"location" json:"location"`
	VehicleType     string      `bson:"vehicleType" json:"vehicleType"`
	Description     string      `bson:"description" json:"description"`
	ExpectedPrice   float64     `bson:"expectedPrice" json:"expectedPrice"`
	Status          IssueStatus `bson:"status" json:"status"`
	Offers          []Offer     `bson:"offers" json:"offers"`
	AcceptedOfferID string      `bson:"acceptedOfferId,omitempty" json:"acceptedOfferId,omitempty"`
	Version         int64       `bson:"version" json:"version"`
	CreatedAt       time.Time   `bson:"createdAt" json:"createdAt"`
	UpdatedAt       time.Time   `bson:"updatedAt" json:"updatedAt"`
}

// IssueInput carries the user-supplied fields of a new issue.
type IssueInput struct {
	Location      Location `json:"location"`
	VehicleType   string   `json:"vehicleType"`
	Description   string   `json:"description"`
	ExpectedPrice float64  `json:"expectedPrice"`
}

// OfferInput carries the mechanic-supplied fields of a new offer.
type OfferInput struct {
	Price         float64 `json:"price"`
	EstimatedTime int     `json:"estimatedTime"`
	Notes         string  `json:"notes"`
}

// NewIssue validates input and returns a PENDING issue.
func NewIssue(id, reporterID string, in IssueInput, now time.Time) (*Issue, error) {
	if strings.TrimSpace(reporterID) == "" {
		return nil, validationf("reporter id is required")
	}
	if err := in.Location.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.VehicleType) == "" {
		return nil, validationf("vehicle type is required")
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, validationf("description is required")
	}
	if !(in.ExpectedPrice > 0) {
		return nil, validationf("expected price must be positive")
	}
	loc := in.Location
	loc.Type = "Point"
	return &Issue{
		ID:            id,
		ReporterID:    reporterID,
		Location:      loc,
		VehicleType:   strings.TrimSpace(in.VehicleType),
		Description:   strings.TrimSpace(in.Description),
		ExpectedPrice: in.ExpectedPrice,
		Status:        IssuePending,
		Offers:        []Offer{},
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// NewOffer validates input and returns a PENDING offer.
func NewOffer(mechanicID string, in OfferInput, now time.Time) (Offer, error) {
	if strings.TrimSpace(mechanicID) == "" {
		return Offer{}, validationf("mechanic id is required")
	}
	if !(in.Price > 0) {
		return Offer{}, validationf("price must be positive")
	}
	if in.EstimatedTime <= 0 {
		return Offer{}, validationf("estimated time must be positive")
	}
	return Offer{
		MechanicID:    mechanicID,
		Price:         in.Price,
		EstimatedTime: in.EstimatedTime,
		Notes:         strings.TrimSpace(in.Notes),
		Status:        OfferPending,
		SubmittedAt:   now,
	}, nil
}

// Terminal reports whether the negotiation is over.
func (i *Issue) Terminal() bool {
	return i.Status == IssueAccepted || i.Status == IssueCancelled
}

func (i *Issue) offerIndex(mechanicID string) int {
	for idx := range i.Offers {
		if i.Offers[idx].MechanicID == mechanicID {
			return idx
		}
	}
	return -1
}

// OfferBy returns the offer submitted by mechanicID, if any.
func (i *Issue) OfferBy(mechanicID string) (*Offer, bool) {
	idx := i.offerIndex(mechanicID)
	if idx < 0 {
		return nil, false
	}
	return &i.Offers[idx], true
}

// AcceptedOffer returns the accepted offer once the issue is ACCEPTED.
func (i *Issue) AcceptedOffer() (*Offer, bool) {
	if i.Status != IssueAccepted || i.AcceptedOfferID == "" {
		return nil, false
	}
	return i.OfferBy(i.AcceptedOfferID)
}

// OfferingMechanics lists every mechanic with an offer on the issue, in submission order.
func (i *Issue) OfferingMechanics() []string {
	ids := make([]string, 0, len(i.Offers))
	for _, o := range i.Offers {
		ids = append(ids, o.MechanicID)
	}
	return ids
}

func (i *Issue) pendingOffers() int {
	n := 0
	for _, o := range i.Offers {
		if o.Status == OfferPending {
			n++
		}
	}
	return n
}

// SubmitOffer appends offer. The first offer moves the issue to OFFERED.
func (i *Issue) SubmitOffer(offer Offer) error {
	if i.Terminal() {
		return invalidStatef("issue %s is %s and no longer accepts offers", i.ID, i.Status)
	}
	if i.offerIndex(offer.MechanicID) >= 0 {
		return fmtDuplicate(i.ID, offer.MechanicID)
	}
	offer.Status = OfferPending
	i.Offers = append(i.Offers, offer)
	if i.Status == IssuePending {
		i.Status = IssueOffered
	}
	return nil
}

// AcceptOffer accepts the offer of mechanicID and rejects every other offer in
// the same step.
func (i *Issue) AcceptOffer(mechanicID string) error {
	if i.Status != IssueOffered {
		return invalidStatef("issue %s is %s, offers can only be accepted while OFFERED", i.ID, i.Status)
	}
	idx := i.offerIndex(mechanicID)
	if idx < 0 {
		return notFoundf("no offer from mechanic %s on issue %s", mechanicID, i.ID)
	}
	if i.Offers[idx].Status != OfferPending {
		return invalidStatef("offer from mechanic %s is %s", mechanicID, i.Offers[idx].Status)
	}
	for n := range i.Offers {
		if n == idx {
			i.Offers[n].Status = OfferAccepted
		} else {
			i.Offers[n].Status = OfferRejected
		}
	}
	i.Status = IssueAccepted
	i.AcceptedOfferID = mechanicID
	return nil
}

// RejectOffer marks one offer REJECTED. The record stays so the mechanic
// cannot offer again. With no PENDING offers left the issue reverts to PENDING.
func (i *Issue) RejectOffer(mechanicID string) error {
	if i.Terminal() {
		return invalidStatef("issue %s is %s", i.ID, i.Status)
	}
	idx := i.offerIndex(mechanicID)
	if idx < 0 {
		return notFoundf("no offer from mechanic %s on issue %s", mechanicID, i.ID)
	}
	if i.Offers[idx].Status != OfferPending {
		return invalidStatef("offer from mechanic %s is already %s", mechanicID, i.Offers[idx].Status)
	}
	i.Offers[idx].Status = OfferRejected
	i.revertIfNoPendingOffers()
	return nil
}

// WithdrawOffer removes the mechanic's own PENDING offer.
func (i *Issue) WithdrawOffer(mechanicID string) error {
	if i.Terminal() {
		return invalidStatef("issue %s is %s", i.ID, i.Status)
	}
	idx := i.offerIndex(mechanicID)
	if idx < 0 {
		return notFoundf("no offer from mechanic %s on issue %s", mechanicID, i.ID)
	}
	if i.Offers[idx].Status != OfferPending {
		return invalidStatef("offer from mechanic %s is %s and cannot be withdrawn", mechanicID, i.Offers[idx].Status)
	}
	i.Offers = append(i.Offers[:idx], i.Offers[idx+1:]...)
	i.revertIfNoPendingOffers()
	return nil
}

// Cancel terminates the negotiation and rejects all outstanding offers.
func (i *Issue) Cancel() error {
	if i.Terminal() {
		return invalidStatef("issue %s is %s and cannot be cancelled", i.ID, i.Status)
	}
	for n := range i.Offers {
		if i.Offers[n].Status == OfferPending {
			i.Offers[n].Status = OfferRejected
		}
	}
	i.Status = IssueCancelled
	return nil
}

func (i *Issue) revertIfNoPendingOffers() {
	if i.Status == IssueOffered && i.pendingOffers() == 0 {
		i.Status = IssuePending
	}
}

// Clone returns a deep copy.
func (i *Issue) Clone() *Issue {
	if i == nil {
		return nil
	}
	c := *i
	c.Location.Coordinates = append([]float64(nil), i.Location.Coordinates...)
	c.Offers = append(make([]Offer, 0, len(i.Offers)), i.Offers...)
	return &c
}

// Mutation is applied to an issue under the repository's per-issue
// serialization. It returns the event describing the change, or an error to
// abort without writing anything.
type Mutation func(issue *Issue) (*Event, error)

// IssueRepository stores issues. Update must serialize mutations per issue and
// commit the issue and its event atomically.
type IssueRepository interface {
	CreateIssue(ctx context.Context, issue *Issue, event *Event) error
	GetIssue(ctx context.Context, id string) (*Issue, error)
	ListIssuesByReporter(ctx context.Context, reporterID string) ([]*Issue, error)
	UpdateIssue(ctx context.Context, id string, mutate Mutation) (*Issue, error)
}
