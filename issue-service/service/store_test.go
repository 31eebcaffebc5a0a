package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"fadedreams/roadassist/issue-service/domain"

	"github.com/stretchr/testify/suite"
)

var (
	userLoc = domain.NewLocation(73.05, 30.37)
	// roughly 4 km and 9 km north of userLoc
	mechALoc = domain.NewLocation(73.05, 30.406)
	mechBLoc = domain.NewLocation(73.05, 30.451)
)

type StoreSuite struct {
	suite.Suite
	ctx   context.Context
	repo  *domain.MemoryRepository
	hub   *Hub
	store *IssueStore

	clockMu sync.Mutex
	clock   time.Time
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.repo = domain.NewMemoryRepository()
	s.hub = NewHub()
	s.store = NewIssueStore(s.repo, s.repo, domain.NewScanIndex(s.repo, s.repo), s.hub, testLogger())
	s.clock = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s.store.now = func() time.Time {
		s.clockMu.Lock()
		defer s.clockMu.Unlock()
		s.clock = s.clock.Add(time.Second)
		return s.clock
	}
}

func (s *StoreSuite) createIssue() *domain.Issue {
	issue, err := s.store.CreateIssue(s.ctx, "user-1", domain.IssueInput{
		Location:      userLoc,
		VehicleType:   "car",
		Description:   "engine won't start",
		ExpectedPrice: 1500,
	})
	s.Require().NoError(err)
	return issue
}

func (s *StoreSuite) TestCreateIssueThenListOffers() {
	issue := s.createIssue()

	offers, err := s.store.ListOffers(s.ctx, issue.ID, "user-1")
	s.Require().NoError(err)
	s.Empty(offers)

	got, err := s.store.GetIssue(s.ctx, issue.ID)
	s.Require().NoError(err)
	s.Equal(domain.IssuePending, got.Status)
	s.Len(got.ID, 24)

	_, err = s.store.ListOffers(s.ctx, issue.ID, "user-2")
	s.Equal(domain.KindForbidden, domain.KindOf(err))
}

func (s *StoreSuite) TestCreateIssueValidation() {
	_, err := s.store.CreateIssue(s.ctx, "user-1", domain.IssueInput{Location: userLoc, VehicleType: "car", Description: "x"})
	s.Equal(domain.KindValidation, domain.KindOf(err))

	events, err := s.repo.UnprocessedEvents(s.ctx, 0)
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *StoreSuite) TestDuplicateOffer() {
	issue := s.createIssue()
	_, err := s.store.SubmitOffer(s.ctx, issue.ID, "mech-a", domain.OfferInput{Price: 1600, EstimatedTime: 30})
	s.Require().NoError(err)

	_, err = s.store.SubmitOffer(s.ctx, issue.ID, "mech-a", domain.OfferInput{Price: 1500, EstimatedTime: 25})
	s.Equal(domain.KindDuplicateOffer, domain.KindOf(err))

	got, err := s.store.GetIssue(s.ctx, issue.ID)
	s.Require().NoError(err)
	s.Len(got.Offers, 1)
}

func (s *StoreSuite) TestAcceptScenario() {
	issue := s.createIssue()
	_, err := s.store.SubmitOffer(s.ctx, issue.ID, "mech-a", domain.OfferInput{Price: 1600, EstimatedTime: 30})
	s.Require().NoError(err)
	_, err = s.store.SubmitOffer(s.ctx, issue.ID, "mech-b", domain.OfferInput{Price: 1400, EstimatedTime: 45})
	s.Require().NoError(err)

	accepted, err := s.store.AcceptOffer(s.ctx, issue.ID, "mech-b", "user-1")
	s.Require().NoError(err)

	s.Equal(domain.IssueAccepted, accepted.Status)
	s.Equal("mech-b", accepted.AcceptedOfferID)
	a, _ := accepted.OfferBy("mech-a")
	b, _ := accepted.OfferBy("mech-b")
	s.Equal(domain.OfferRejected, a.Status)
	s.Equal(domain.OfferAccepted, b.Status)
	s.True(accepted.UpdatedAt.After(accepted.CreatedAt))

	for _, mech := range []string{"mech-a", "mech-b", "mech-z"} {
		_, err = s.store.AcceptOffer(s.ctx, issue.ID, mech, "user-1")
		s.Equal(domain.KindInvalidState, domain.KindOf(err), mech)
	}
}

func (s *StoreSuite) TestAcceptByOtherUserIsForbidden() {
	issue := s.createIssue()
	_, err := s.store.SubmitOffer(s.ctx, issue.ID, "mech-a", domain.OfferInput{Price: 1600, EstimatedTime: 30})
	s.Require().NoError(err)

	_, err = s.store.AcceptOffer(s.ctx, issue.ID, "mech-a", "user-2")
	s.Equal(domain.KindForbidden, domain.KindOf(err))
	_, err = s.store.RejectOffer(s.ctx, issue.ID, "mech-a", "user-2")
	s.Equal(domain.KindForbidden, domain.KindOf(err))
	_, err = s.store.CancelIssue(s.ctx, issue.ID, "user-2")
	s.Equal(domain.KindForbidden, domain.KindOf(err))

	got, err := s.store.GetIssue(s.ctx, issue.ID)
	s.Require().NoError(err)
	s.Equal(domain.IssueOffered, got.Status)
}

func (s *StoreSuite) TestRejectAndCancel() {
	issue := s.createIssue()
	_, err := s.store.SubmitOffer(s.ctx, issue.ID, "mech-a", domain.OfferInput{Price: 1600, EstimatedTime: 30})
	s.Require().NoError(err)

	rejected, err := s.store.RejectOffer(s.ctx, issue.ID, "mech-a", "user-1")
	s.Require().NoError(err)
	s.Equal(domain.IssuePending, rejected.Status)

	cancelled, err := s.store.CancelIssue(s.ctx, issue.ID, "user-1")
	s.Require().NoError(err)
	s.Equal(domain.IssueCancelled, cancelled.Status)

	_, err = s.store.SubmitOffer(s.ctx, issue.ID, "mech-b", domain.OfferInput{Price: 1000, EstimatedTime: 20})
	s.Equal(domain.KindInvalidState, domain.KindOf(err))
	_, err = s.store.CancelIssue(s.ctx, issue.ID, "user-1")
	s.Equal(domain.KindInvalidState, domain.KindOf(err))
}

func (s *StoreSuite) TestCancelPendingWithoutOffers() {
	issue := s.createIssue()
	_, err := s.store.CancelIssue(s.ctx, issue.ID, "user-1")
	s.Require().NoError(err)

	_, err = s.store.SubmitOffer(s.ctx, issue.ID, "mech-a", domain.OfferInput{Price: 1600, EstimatedTime: 30})
	s.Equal(domain.KindInvalidState, domain.KindOf(err))
}

func (s *StoreSuite) TestListNearbyPendingExcludesOwnOffers() {
	issue := s.createIssue()
	other, err := s.store.CreateIssue(s.ctx, "user-2", domain.IssueInput{
		Location: domain.NewLocation(73.05, 30.38), VehicleType: "bike", Description: "chain", ExpectedPrice: 300,
	})
	s.Require().NoError(err)

	nearby, err := s.store.ListNearbyPending(s.ctx, mechALoc, 10000, "mech-a")
	s.Require().NoError(err)
	s.Require().Len(nearby, 2)
	s.Equal(other.ID, nearby[0].ID)

	_, err = s.store.SubmitOffer(s.ctx, issue.ID, "mech-a", domain.OfferInput{Price: 1600, EstimatedTime: 30})
	s.Require().NoError(err)

	nearby, err = s.store.ListNearbyPending(s.ctx, mechALoc, 10000, "mech-a")
	s.Require().NoError(err)
	s.Require().Len(nearby, 1)
	s.Equal(other.ID, nearby[0].ID)

	// still visible to a mechanic without an offer, now as OFFERED
	nearby, err = s.store.ListNearbyPending(s.ctx, mechALoc, 10000, "mech-b")
	s.Require().NoError(err)
	s.Len(nearby, 2)

	// rejected offers still count
	_, err = s.store.RejectOffer(s.ctx, issue.ID, "mech-a", "user-1")
	s.Require().NoError(err)
	nearby, err = s.store.ListNearbyPending(s.ctx, mechALoc, 10000, "mech-a")
	s.Require().NoError(err)
	s.Len(nearby, 1)

	_, err = s.store.ListNearbyPending(s.ctx, mechALoc, 0, "mech-a")
	s.Equal(domain.KindValidation, domain.KindOf(err))
}

func (s *StoreSuite) TestOutboxEventsCarryRecipients() {
	issue := s.createIssue()
	_, err := s.store.SubmitOffer(s.ctx, issue.ID, "mech-a", domain.OfferInput{Price: 1600, EstimatedTime: 30})
	s.Require().NoError(err)
	_, err = s.store.SubmitOffer(s.ctx, issue.ID, "mech-b", domain.OfferInput{Price: 1400, EstimatedTime: 45})
	s.Require().NoError(err)
	_, err = s.store.AcceptOffer(s.ctx, issue.ID, "mech-b", "user-1")
	s.Require().NoError(err)

	events, err := s.repo.UnprocessedEvents(s.ctx, 0)
	s.Require().NoError(err)
	s.Require().Len(events, 4)
	s.Equal(domain.EventIssueCreated, events[0].Type)
	s.Equal([]string{"user-1"}, events[1].Recipients)
	s.Equal(domain.EventOfferAccepted, events[3].Type)
	s.Equal([]string{"mech-a", "mech-b"}, events[3].Recipients)
	s.Equal(int64(4), events[3].IssueVersion)
	s.Equal(domain.IssueAccepted, events[3].IssueStatus)
}

func (s *StoreSuite) TestConcurrentAcceptHasSingleWinner() {
	issue := s.createIssue()
	mechs := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, m := range mechs {
		_, err := s.store.SubmitOffer(s.ctx, issue.ID, m, domain.OfferInput{Price: 1000, EstimatedTime: 10})
		s.Require().NoError(err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, m := range mechs {
		wg.Add(1)
		go func(m string) {
			defer wg.Done()
			if _, err := s.store.AcceptOffer(s.ctx, issue.ID, m, "user-1"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()
	s.Equal(1, wins)
}

func (s *StoreSuite) TestConcurrentSubmitKeepsEveryOffer() {
	issue := s.createIssue()
	const mechanics = 8

	var wg sync.WaitGroup
	errs := make(chan error, mechanics)
	for i := 0; i < mechanics; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := s.store.SubmitOffer(s.ctx, issue.ID, id, domain.OfferInput{Price: 1200, EstimatedTime: 20})
			errs <- err
		}(fmt.Sprintf("mech-%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	stored, err := s.store.GetIssue(s.ctx, issue.ID)
	s.Require().NoError(err)
	s.Equal(domain.IssueOffered, stored.Status)
	s.Equal(int64(1+mechanics), stored.Version)
	s.Require().Len(stored.Offers, mechanics)
	seen := map[string]bool{}
	for _, o := range stored.Offers {
		s.Equal(domain.OfferPending, o.Status)
		seen[o.MechanicID] = true
	}
	s.Len(seen, mechanics)

	events, err := s.repo.UnprocessedEvents(s.ctx, 0)
	s.Require().NoError(err)
	submitted := 0
	for _, ev := range events {
		if ev.Type == domain.EventOfferSubmitted {
			submitted++
		}
	}
	s.Equal(mechanics, submitted)
	s.Len(events, 1+mechanics)
}

func (s *StoreSuite) TestConcurrentDuplicateSubmitHasSingleWinner() {
	issue := s.createIssue()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.SubmitOffer(s.ctx, issue.ID, "mech-a", domain.OfferInput{Price: 1200, EstimatedTime: 20})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, duplicate int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case domain.KindOf(err) == domain.KindDuplicateOffer:
			duplicate++
		default:
			s.Failf("unexpected error", "%v", err)
		}
	}
	s.Equal(1, ok)
	s.Equal(1, duplicate)

	stored, err := s.store.GetIssue(s.ctx, issue.ID)
	s.Require().NoError(err)
	s.Len(stored.Offers, 1)
	s.Equal(int64(2), stored.Version)
}

func (s *StoreSuite) TestMutationsSignalHub() {
	issue := s.createIssue()
	signals, cancel := s.hub.Subscribe(issue.ID)
	defer cancel()

	_, err := s.store.SubmitOffer(s.ctx, issue.ID, "mech-a", domain.OfferInput{Price: 1600, EstimatedTime: 30})
	s.Require().NoError(err)

	select {
	case v := <-signals:
		s.Equal(int64(2), v)
	case <-time.After(time.Second):
		s.Fail("no signal published")
	}
}

func (s *StoreSuite) TestMechanicPositions() {
	_, err := s.store.SetMechanicLive(s.ctx, "mech-a", false)
	s.Equal(domain.KindNotFound, domain.KindOf(err))

	_, err = s.store.UpdateMechanicLocation(s.ctx, "mech-a", domain.Location{})
	s.Equal(domain.KindValidation, domain.KindOf(err))

	pos, err := s.store.UpdateMechanicLocation(s.ctx, "mech-a", mechALoc)
	s.Require().NoError(err)
	s.True(pos.IsLive)
	_, err = s.store.UpdateMechanicLocation(s.ctx, "mech-b", mechBLoc)
	s.Require().NoError(err)

	found, err := s.store.NearbyMechanics(s.ctx, userLoc, 10000)
	s.Require().NoError(err)
	s.Require().Len(found, 2)
	s.Equal("mech-a", found[0].MechanicID)

	_, err = s.store.SetMechanicLive(s.ctx, "mech-a", false)
	s.Require().NoError(err)
	found, err = s.store.NearbyMechanics(s.ctx, userLoc, 10000)
	s.Require().NoError(err)
	s.Require().Len(found, 1)
	s.Equal("mech-b", found[0].MechanicID)
}
