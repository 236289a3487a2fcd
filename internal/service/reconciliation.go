package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"contactgraph/internal/models"
	"contactgraph/internal/store"
)

// Transactor runs a unit of work against the record store in one transaction,
// holding mutual-exclusion locks on lockKeys for its whole duration.
type Transactor interface {
	WithinTx(ctx context.Context, lockKeys []string, fn func(ctx context.Context, st store.ContactStore) error) error
}

// EventPublisher is notified after a reconciliation has committed.
type EventPublisher interface {
	Publish(ctx context.Context, outcome *Outcome) error
}

// ViewCache stores rendered cluster views keyed by contact id. On a miss Get
// returns a nil view and the key's current version. Set only stores the view
// while that version is still current, so a view read from the store before an
// Invalidate is never written after it.
type ViewCache interface {
	Get(ctx context.Context, contactID int64) (*models.IdentifyResponse, int64, error)
	Set(ctx context.Context, contactID int64, version int64, view *models.IdentifyResponse) error
	Invalidate(ctx context.Context, contactIDs ...int64) error
}

// Recorder receives per-call measurements.
type Recorder interface {
	ObserveIdentify(outcome *Outcome, err error, elapsed time.Duration)
	ObserveLookup(hit bool, err error)
}

// OutcomeKind classifies what a reconciliation wrote.
type OutcomeKind string

const (
	OutcomeCreatedPrimary   OutcomeKind = "created_primary"
	OutcomeCreatedSecondary OutcomeKind = "created_secondary"
	OutcomeMerged           OutcomeKind = "merged"
	OutcomeUnchanged        OutcomeKind = "unchanged"
)

// Outcome is the committed result of one reconciliation.
type Outcome struct {
	Kind    OutcomeKind
	Primary *models.Contact
	// Created is the contact inserted by this call, if any.
	Created *models.Contact
	Merge   *MergeResult
	Cluster []*models.Contact
	View    *models.IdentifyResponse
}

// Options carries the optional collaborators of the service.
type Options struct {
	Logger    logrus.FieldLogger
	Publisher EventPublisher
	Cache     ViewCache
	Recorder  Recorder
}

// maxPlanAttempts bounds how often Identify re-plans its lock set when a
// cluster is merged away between planning and locking.
const maxPlanAttempts = 5

var errClusterMoved = errors.New("cluster changed while acquiring locks")

// ReconciliationService handles identity reconciliation logic
type ReconciliationService struct {
	tx        Transactor
	matcher   Matcher
	navigator *Navigator
	merger    *MergeEngine
	log       logrus.FieldLogger
	publisher EventPublisher
	cache     ViewCache
	recorder  Recorder
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(tx Transactor, opts Options) *ReconciliationService {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ReconciliationService{
		tx:        tx,
		navigator: NewNavigator(log),
		merger:    NewMergeEngine(log),
		log:       log,
		publisher: opts.Publisher,
		cache:     opts.Cache,
		recorder:  opts.Recorder,
	}
}

// Identify resolves the observation into its cluster, merging and extending
// clusters as needed, and returns the cluster view. The whole sequence runs in
// one transaction.
func (s *ReconciliationService) Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error) {
	if req.IsEmpty() {
		return nil, ErrInvalidRequest
	}

	start := time.Now()
	var outcome *Outcome
	var err error
	for attempt := 1; ; attempt++ {
		outcome, err = s.identifyOnce(ctx, req.Email, req.PhoneNumber)
		if !errors.Is(err, errClusterMoved) || attempt == maxPlanAttempts {
			break
		}
		s.log.WithField("attempt", attempt).Debug("Cluster changed before its lock was taken, re-planning")
	}
	if s.recorder != nil {
		s.recorder.ObserveIdentify(outcome, err, time.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	s.afterCommit(ctx, outcome)
	return outcome.View, nil
}

// identifyOnce plans the lock set in a short read transaction, then runs the
// reconciliation holding those locks. Requests sharing an email, a phone
// number or a cluster therefore run one after another.
func (s *ReconciliationService) identifyOnce(ctx context.Context, email, phone *string) (*Outcome, error) {
	keys, err := s.planLocks(ctx, email, phone)
	if err != nil {
		return nil, err
	}
	locked := make(map[string]bool, len(keys))
	for _, k := range keys {
		locked[k] = true
	}

	var outcome *Outcome
	err = s.tx.WithinTx(ctx, keys, func(ctx context.Context, st store.ContactStore) error {
		o, err := s.reconcile(ctx, st, email, phone, locked)
		if err != nil {
			return err
		}
		outcome = o
		return nil
	})
	if err != nil {
		// a rolled-back attempt may have left a result behind
		return nil, err
	}
	return outcome, nil
}

// planLocks returns the identity keys of the request plus one key per cluster
// it currently touches.
func (s *ReconciliationService) planLocks(ctx context.Context, email, phone *string) ([]string, error) {
	var keys []string
	err := s.tx.WithinTx(ctx, nil, func(ctx context.Context, st store.ContactStore) error {
		keys = identityKeys(email, phone)
		matches, err := s.matcher.Match(ctx, st, email, phone)
		if err != nil {
			return err
		}
		primaries, err := s.navigator.DistinctPrimaries(ctx, st, matches)
		if err != nil {
			return err
		}
		for _, p := range primaries {
			keys = append(keys, clusterKey(p.ID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// reconcile is the body of Identify. It may run more than once when the
// transaction is retried. Every cluster it touches must be covered by locked;
// otherwise it returns errClusterMoved and the caller plans again.
func (s *ReconciliationService) reconcile(ctx context.Context, st store.ContactStore, email, phone *string, locked map[string]bool) (*Outcome, error) {
	matches, err := s.matcher.Match(ctx, st, email, phone)
	if err != nil {
		return nil, err
	}

	if len(matches) == 0 {
		fresh := &models.Contact{
			Email:          email,
			PhoneNumber:    phone,
			LinkPrecedence: models.LinkPrimary,
		}
		if err := st.Insert(ctx, fresh); err != nil {
			return nil, fmt.Errorf("failed to create primary contact: %w", err)
		}
		cluster := []*models.Contact{fresh}
		return &Outcome{
			Kind:    OutcomeCreatedPrimary,
			Primary: fresh,
			Created: fresh,
			Cluster: cluster,
			View:    BuildView(fresh, cluster),
		}, nil
	}

	primaries, err := s.navigator.DistinctPrimaries(ctx, st, matches)
	if err != nil {
		return nil, err
	}
	for _, p := range primaries {
		if !locked[clusterKey(p.ID)] {
			return nil, errClusterMoved
		}
	}

	merge, err := s.merger.Merge(ctx, st, primaries)
	if err != nil {
		return nil, err
	}
	mainPrimary := merge.Survivor

	cluster, err := s.navigator.LoadCluster(ctx, st, mainPrimary.ID)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{Kind: OutcomeUnchanged, Primary: mainPrimary, Merge: merge}
	if len(merge.Absorbed) > 0 {
		outcome.Kind = OutcomeMerged
	}

	if hasNewInformation(cluster, email, phone) && !hasExactPair(cluster, email, phone) {
		link := mainPrimary.ID
		secondary := &models.Contact{
			Email:          email,
			PhoneNumber:    phone,
			LinkedID:       &link,
			LinkPrecedence: models.LinkSecondary,
		}
		if err := st.Insert(ctx, secondary); err != nil {
			return nil, fmt.Errorf("failed to create secondary contact: %w", err)
		}
		outcome.Created = secondary
		if outcome.Kind == OutcomeUnchanged {
			outcome.Kind = OutcomeCreatedSecondary
		}

		cluster, err = s.navigator.LoadCluster(ctx, st, mainPrimary.ID)
		if err != nil {
			return nil, err
		}
	}

	outcome.Cluster = cluster
	outcome.View = BuildView(mainPrimary, cluster)
	return outcome, nil
}

// Lookup returns the view of the cluster containing contactID.
func (s *ReconciliationService) Lookup(ctx context.Context, contactID int64) (*models.IdentifyResponse, error) {
	var version int64
	cacheable := false
	if s.cache != nil {
		view, v, err := s.cache.Get(ctx, contactID)
		switch {
		case err != nil:
			s.log.WithError(err).WithField("contact_id", contactID).Warn("view cache read failed")
		case view != nil:
			if s.recorder != nil {
				s.recorder.ObserveLookup(true, nil)
			}
			return view, nil
		default:
			version, cacheable = v, true
		}
	}

	var view *models.IdentifyResponse
	err := s.tx.WithinTx(ctx, nil, func(ctx context.Context, st store.ContactStore) error {
		c, err := st.FindByID(ctx, contactID)
		if err != nil {
			return err
		}
		if c == nil {
			return ErrContactNotFound
		}
		primary, err := s.navigator.ResolvePrimary(ctx, st, c)
		if err != nil {
			return err
		}
		cluster, err := s.navigator.LoadCluster(ctx, st, primary.ID)
		if err != nil {
			return err
		}
		view = BuildView(primary, cluster)
		return nil
	})
	if s.recorder != nil {
		s.recorder.ObserveLookup(false, err)
	}
	if err != nil {
		if errors.Is(err, ErrContactNotFound) {
			return nil, ErrContactNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	if cacheable {
		if err := s.cache.Set(ctx, contactID, version, view); err != nil {
			s.log.WithError(err).WithField("contact_id", contactID).Warn("view cache write failed")
		}
	}
	return view, nil
}

// afterCommit runs the side effects that must only see committed state.
// Failures here are logged; the reconciliation itself already succeeded.
func (s *ReconciliationService) afterCommit(ctx context.Context, outcome *Outcome) {
	fields := logrus.Fields{
		"primary_id": outcome.Primary.ID,
		"outcome":    outcome.Kind,
	}
	if outcome.Created != nil {
		fields["created_id"] = outcome.Created.ID
	}
	s.log.WithFields(fields).Debug("Reconciled contact")

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, contactIDs(outcome.Cluster)...); err != nil {
			s.log.WithError(err).WithField("primary_id", outcome.Primary.ID).Warn("view cache invalidation failed")
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, outcome); err != nil {
			s.log.WithError(err).WithField("primary_id", outcome.Primary.ID).Error("failed to publish contact event")
		}
	}
}

// hasNewInformation reports whether the request carries an email or phone
// number the cluster has not seen.
func hasNewInformation(cluster []*models.Contact, email, phone *string) bool {
	knownEmails := make(map[string]bool)
	knownPhones := make(map[string]bool)
	for _, c := range cluster {
		if c.Email != nil {
			knownEmails[*c.Email] = true
		}
		if c.PhoneNumber != nil {
			knownPhones[*c.PhoneNumber] = true
		}
	}

	if email != nil && !knownEmails[*email] {
		return true
	}
	return phone != nil && !knownPhones[*phone]
}

// hasExactPair reports whether a cluster member already holds exactly this
// (email, phone) pair, nulls included.
func hasExactPair(cluster []*models.Contact, email, phone *string) bool {
	for _, c := range cluster {
		if equalValue(c.Email, email) && equalValue(c.PhoneNumber, phone) {
			return true
		}
	}
	return false
}

func equalValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func clusterKey(primaryID int64) string {
	return "cluster:" + strconv.FormatInt(primaryID, 10)
}

func identityKeys(email, phone *string) []string {
	var keys []string
	if email != nil {
		keys = append(keys, "email:"+*email)
	}
	if phone != nil {
		keys = append(keys, "phone:"+*phone)
	}
	return keys
}
