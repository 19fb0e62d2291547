package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v9"
	"github.com/segmentio/kafka-go"

	"github.com/kavenhq/kaven/internal/logging"
)

const indexName = "auth-audit"

// Indexer consumes the audit topic and indexes events into Elasticsearch so
// the trail is searchable. Lives in the authd process as a background loop;
// losing it never affects request handling.
type Indexer struct {
	reader *kafka.Reader
	es     *elasticsearch.Client
}

func NewIndexer(brokers []string, topic string, es *elasticsearch.Client) *Indexer {
	return &Indexer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: "authd-audit-indexer",
		}),
		es: es,
	}
}

// Run blocks until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context) error {
	l := logging.FromContext(ctx).With("component", "audit_indexer")
	for {
		msg, err := ix.reader.ReadMessage(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			l.Error("audit_read_failed", "error", err)
			continue
		}

		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			l.Warn("audit_skip_malformed", "offset", msg.Offset, "error", err)
			continue
		}

		if err := ix.index(ctx, &ev); err != nil {
			l.Error("audit_index_failed", "event_id", ev.ID, "error", err)
		}
	}
}

func (ix *Indexer) index(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	res, err := ix.es.Index(
		indexName,
		bytes.NewReader(data),
		ix.es.Index.WithDocumentID(ev.ID),
		ix.es.Index.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("elasticsearch: %s: %s", res.Status(), body)
	}
	return nil
}

func (ix *Indexer) Close() error {
	return ix.reader.Close()
}

// NewESClient connects to Elasticsearch and verifies the node responds.
func NewESClient(url, user, password string) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{url},
		Username:  user,
		Password:  password,
	})
	if err != nil {
		return nil, err
	}

	res, err := client.Info()
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("elasticsearch: %s: %s", res.Status(), body)
	}
	return client, nil
}
