package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	supabase "github.com/supabase-community/supabase-go"
)

// SupabaseStore persists audit documents to a Supabase table. Inserts are
// synchronous but callers treat failures as log-and-continue.
type SupabaseStore struct {
	client *supabase.Client
	table  string
	logger *log.Logger
}

// NewSupabaseStore connects to Supabase with a service key.
func NewSupabaseStore(url, key, table string) (*SupabaseStore, error) {
	if url == "" || key == "" {
		return nil, fmt.Errorf("supabase url and service key must be set")
	}
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseStore{
		client: client,
		table:  table,
		logger: log.New(log.Writer(), "[AuditStore:Supabase] ", log.LstdFlags),
	}, nil
}

// auditRow is the table row shape. The timestamp is a string so the Supabase
// timestamp format round-trips; the full document rides in the payload
// column.
type auditRow struct {
	ID            string `json:"id"`
	EndorsementID string `json:"endorsement_id"`
	EmployerID    string `json:"employer_id"`
	InsurerID     string `json:"insurer_id"`
	Attempt       int    `json:"attempt"`
	Status        string `json:"status"`
	LatencyMillis int64  `json:"latency_ms"`
	TraceID       string `json:"trace_id"`
	Payload       string `json:"payload"`
	Timestamp     string `json:"timestamp"`
}

func (s *SupabaseStore) Append(_ context.Context, doc *Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal audit document: %w", err)
	}

	row := auditRow{
		ID:            doc.ID,
		EndorsementID: doc.EndorsementID,
		EmployerID:    doc.EmployerID,
		InsurerID:     doc.InsurerID,
		Attempt:       doc.Attempt,
		Status:        doc.Status,
		LatencyMillis: doc.LatencyMillis,
		TraceID:       doc.TraceID,
		Payload:       string(payload),
		Timestamp:     doc.Timestamp.Format(time.RFC3339),
	}

	_, _, err = s.client.From(s.table).Insert(row, false, "", "", "").Execute()
	if err != nil {
		s.logger.Printf("Failed to persist audit document %s: %v", doc.ID, err)
		return fmt.Errorf("append audit document: %w", err)
	}
	return nil
}
