package activitypub

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/fedipress/fedipress/db"
	"github.com/fedipress/fedipress/domain"
)

// backoffSchedule is the retry delay by attempt number. Attempts past the
// end of the schedule reuse the last entry until the attempt cap.
var backoffSchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	240 * time.Minute,
	1440 * time.Minute,
}

// BackoffFor returns the delay before the next try after the given number
// of completed attempts.
func BackoffFor(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(backoffSchedule) {
		attempts = len(backoffSchedule)
	}
	return backoffSchedule[attempts-1]
}

const (
	tickInterval = 30 * time.Second
	batchSize    = 100
)

// DeliveryWorker drains the delivery queue: pending rows are grouped by
// destination inbox, groups run concurrently on a bounded pool, rows
// within a group go out strictly in enqueue order. A transient failure
// parks the remainder of its group until the retry time, which keeps
// per-destination ordering across retries.
type DeliveryWorker struct {
	database *db.DB
	policy   domain.FederationPolicy
	host     string
	client   *http.Client
	stop     chan struct{}
	done     chan struct{}
}

func NewDeliveryWorker(database *db.DB, policy domain.FederationPolicy, host string) *DeliveryWorker {
	return &DeliveryWorker{
		database: database,
		policy:   policy,
		host:     host,
		client:   &http.Client{Timeout: policy.DeliveryTimeout},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the worker loop until Stop is called.
func (w *DeliveryWorker) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()

		log.Printf("DeliveryWorker: Started with %d workers", w.policy.DeliveryWorkers)
		for {
			select {
			case <-w.stop:
				log.Printf("DeliveryWorker: Stopped")
				return
			case <-ticker.C:
				w.ProcessQueue()
			}
		}
	}()
}

// Stop shuts the loop down and waits for the current tick to finish.
func (w *DeliveryWorker) Stop() {
	close(w.stop)
	<-w.done
}

// ProcessQueue delivers everything currently due. Exposed so a caller can
// flush the queue without waiting for the ticker.
func (w *DeliveryWorker) ProcessQueue() {
	items, err := w.database.ReadPendingDeliveries(batchSize)
	if err != nil {
		log.Printf("DeliveryWorker: Failed to read queue: %v", err)
		return
	}
	if len(items) == 0 {
		return
	}

	groups := groupByInbox(items)
	log.Printf("DeliveryWorker: Delivering %d items to %d inboxes", len(items), len(groups))

	sem := make(chan struct{}, w.policy.DeliveryWorkers)
	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		sem <- struct{}{}
		go func(group []domain.DeliveryQueueItem) {
			defer wg.Done()
			defer func() { <-sem }()
			w.deliverGroup(group)
		}(group)
	}
	wg.Wait()
}

// groupByInbox splits a queue batch into per-inbox groups, preserving the
// read order inside each group.
func groupByInbox(items []domain.DeliveryQueueItem) [][]domain.DeliveryQueueItem {
	index := make(map[string]int)
	var groups [][]domain.DeliveryQueueItem
	for _, item := range items {
		i, ok := index[item.InboxURI]
		if !ok {
			i = len(groups)
			index[item.InboxURI] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], item)
	}
	return groups
}

// deliverGroup walks one inbox's items in order. The first transient
// failure stops the walk and pushes the rest of the group behind the
// failed item's retry time.
func (w *DeliveryWorker) deliverGroup(group []domain.DeliveryQueueItem) {
	for i, item := range group {
		err := w.deliver(&item)
		if err == nil {
			w.handleSuccess(&item)
			continue
		}
		if isPermanent(err) {
			log.Printf("DeliveryWorker: Permanent failure for %s: %v", item.InboxURI, err)
			w.handleFailure(&item, err, false)
			continue
		}

		log.Printf("DeliveryWorker: Transient failure for %s: %v", item.InboxURI, err)
		retryAt := w.handleFailure(&item, err, true)
		if retryAt.IsZero() {
			continue
		}
		for _, parked := range group[i+1:] {
			if err := w.database.UpdateDeliveryAttempt(parked.Id, parked.Attempts, retryAt); err != nil {
				log.Printf("DeliveryWorker: Failed to park delivery %s: %v", parked.Id, err)
			}
		}
		return
	}
}

// deliver signs and POSTs one queued activity.
func (w *DeliveryWorker) deliver(item *domain.DeliveryQueueItem) error {
	account, err := w.database.ReadAccountById(item.AccountId)
	if err != nil {
		return fmt.Errorf("%w: sending account is gone: %v", ErrDeliveryPermanent, err)
	}
	if err := w.database.EnsureKeyPair(account); err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}
	privateKey, err := ParsePrivateKey(account.WebPrivateKey)
	if err != nil {
		return fmt.Errorf("%w: unusable signing key: %v", ErrDeliveryPermanent, err)
	}

	body := []byte(item.ActivityJSON)
	req, err := http.NewRequest("POST", item.InboxURI, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: bad inbox URI: %v", ErrDeliveryPermanent, err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)

	keyId := KeyId(ActorURI(w.host, account.Username))
	if err := SignRequest(req, body, privateKey, keyId); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: remote returned status %d", ErrDeliveryPermanent, resp.StatusCode)
	default:
		return fmt.Errorf("remote returned status %d", resp.StatusCode)
	}
}

func (w *DeliveryWorker) handleSuccess(item *domain.DeliveryQueueItem) {
	if err := w.database.DeleteDelivery(item.Id); err != nil {
		log.Printf("DeliveryWorker: Failed to dequeue %s: %v", item.Id, err)
	}
	followers, err := w.database.FollowersByInbox(item.AccountId, item.InboxURI)
	if err != nil {
		return
	}
	for _, follower := range followers {
		if err := w.database.ClearFollowerErrors(follower.Id); err != nil {
			log.Printf("DeliveryWorker: Failed to clear errors for %s: %v", follower.ActorURI, err)
		}
	}
}

// handleFailure records the failure against the affected followers and
// either schedules a retry (returning the retry time) or gives the item
// up. Followers past the consecutive-failure threshold are removed.
func (w *DeliveryWorker) handleFailure(item *domain.DeliveryQueueItem, cause error, transient bool) time.Time {
	item.Attempts++

	retriable := transient && item.Attempts < w.policy.MaxDeliveryAttempts
	var retryAt time.Time
	if retriable {
		retryAt = time.Now().Add(BackoffFor(item.Attempts))
		if err := w.database.UpdateDeliveryAttempt(item.Id, item.Attempts, retryAt); err != nil {
			log.Printf("DeliveryWorker: Failed to reschedule %s: %v", item.Id, err)
		}
	} else {
		if err := w.database.DeleteDelivery(item.Id); err != nil {
			log.Printf("DeliveryWorker: Failed to drop delivery %s: %v", item.Id, err)
		}
	}

	followers, err := w.database.FollowersByInbox(item.AccountId, item.InboxURI)
	if err != nil {
		return retryAt
	}
	for _, follower := range followers {
		if err := w.database.RecordFollowerError(follower.Id, cause.Error()); err != nil {
			continue
		}
		count, err := w.database.CountFollowerErrors(follower.Id)
		if err != nil {
			continue
		}
		if count >= w.policy.FailureThreshold {
			log.Printf("DeliveryWorker: Removing follower %s after %d consecutive failures", follower.ActorURI, count)
			if err := w.database.RemoveFollower(item.AccountId, follower.ActorURI); err != nil {
				log.Printf("DeliveryWorker: Failed to remove follower %s: %v", follower.ActorURI, err)
			}
		}
	}
	return retryAt
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrDeliveryPermanent)
}
