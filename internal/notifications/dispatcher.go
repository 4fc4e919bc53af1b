package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Dispatcher delivers notifications through an in-memory worker pool. Local
// runs use it directly; the Cloud Tasks dispatcher uses it as fallback.
type Dispatcher struct {
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
}

type deliveryJob struct {
	target  Target
	n       *Notification
	attempt int
}

// NewDispatcher starts a worker pool of the given size.
func NewDispatcher(workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan *deliveryJob, 1000),
		logger:     log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Dispatcher) Emit(target Target, n *Notification) {
	select {
	case d.queue <- &deliveryJob{target: target, n: n, attempt: 1}:
	default:
		d.logger.Printf("Notification queue full, dropping %s for %s", n.ID, n.EmployerID)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.n)
	if err != nil {
		d.logger.Printf("Failed to marshal notification %s: %v", job.n.ID, err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.target.URL, bytes.NewReader(payload))
	if err != nil {
		d.logger.Printf("Failed to build notification request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-EMS-Event-Type", job.n.Type)
	req.Header.Set("X-EMS-Event-ID", job.n.ID)
	req.Header.Set("X-EMS-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.target.Secret != "" {
		req.Header.Set("X-EMS-Signature", "sha256="+SignPayload(payload, job.target.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("Notification delivery failed: %s -> %v", job.target.URL, err)
		// Retry up to 3 times with quadratic backoff.
		if job.attempt < 3 {
			time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
			job.attempt++
			select {
			case d.queue <- job:
			default:
			}
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Printf("Notification endpoint returned %d: %s (%s)",
			resp.StatusCode, job.target.URL, job.n.ID)
		return
	}
	d.logger.Printf("Notification delivered: %s -> %s (%s)", job.n.Type, job.target.URL, job.n.ID)
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}
