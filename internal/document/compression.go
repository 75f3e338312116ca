package document

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docflow/idp-core/pkg/blob"
)

// CompressedPayload is the transport envelope used when a document's
// inline JSON form exceeds the configured threshold. SectionIDs are
// preserved so a map-fan-out stage can proceed without rehydrating the
// whole document per section.
type CompressedPayload struct {
	DocumentID string   `json:"document_id"`
	StorageURI string   `json:"storage_uri"`
	SectionIDs []string `json:"section_ids"`
	Compressed bool     `json:"compressed"`
}

// Payload is either an inline Document or a CompressedPayload reference.
// Readers must accept both shapes and normalize via Load.
type Payload struct {
	Inline     *Document
	Compressed *CompressedPayload
}

func sectionIDs(d *Document) []string {
	ids := make([]string, 0, len(d.Sections))
	for _, s := range d.Sections {
		ids = append(ids, s.SectionID)
	}
	return ids
}

// Serialize marshals d and, if the encoded size exceeds thresholdBytes,
// writes it to store under compressed/{document_id}/{step}.json and
// returns the Compressed Payload envelope instead of the inline bytes.
// step identifies the orchestration hop (e.g. "post-classify",
// "post-extract") and becomes part of the blob key, so successive
// compressions of the same document at different steps don't collide.
func Serialize(ctx context.Context, store blob.Store, d *Document, step string, thresholdBytes int) (Payload, error) {
	if err := d.Validate(); err != nil {
		return Payload{}, fmt.Errorf("serialize document %s: %w", d.ID, err)
	}

	data, err := json.Marshal(d)
	if err != nil {
		return Payload{}, fmt.Errorf("serialize document %s: marshal: %w", d.ID, err)
	}

	if thresholdBytes <= 0 || len(data) <= thresholdBytes {
		return Payload{Inline: d}, nil
	}

	key := fmt.Sprintf("compressed/%s/%s.json", d.ID, step)
	uri, err := store.Put(ctx, key, data, "application/json")
	if err != nil {
		return Payload{}, fmt.Errorf("serialize document %s: write compressed payload: %w", d.ID, err)
	}

	return Payload{Compressed: &CompressedPayload{
		DocumentID: d.ID,
		StorageURI: uri,
		SectionIDs: sectionIDs(d),
		Compressed: true,
	}}, nil
}

// Load rehydrates p into a Document, reading from store when p carries a
// compressed reference. The result is byte-identical (after
// canonicalization by json.Marshal) to the document that was serialized.
func Load(ctx context.Context, store blob.Store, p Payload) (*Document, error) {
	if p.Inline != nil {
		return p.Inline, nil
	}
	if p.Compressed == nil {
		return nil, fmt.Errorf("load document: empty payload")
	}

	key := compressedKeyFromURI(p.Compressed.StorageURI)

	var d Document
	loadErr := loadWithEventualConsistencyRetry(ctx, store, key, &d)
	if loadErr != nil {
		return nil, fmt.Errorf("load document %s: %w", p.Compressed.DocumentID, loadErr)
	}
	if d.ID != p.Compressed.DocumentID {
		return nil, fmt.Errorf("load document: storage uri %s yielded document id %q, expected %q",
			p.Compressed.StorageURI, d.ID, p.Compressed.DocumentID)
	}
	return &d, nil
}

// loadWithEventualConsistencyRetry re-attempts a GetJSON miss a few times
// with a short sleep; S3Store already retries NotFound internally within
// its own window (MemoryStore does not), but Load adds one more bounded pass
// since compression write and rehydration read may cross process
// boundaries (e.g. orchestrator writes, a separate worker reads).
func loadWithEventualConsistencyRetry(ctx context.Context, store blob.Store, key string, out *Document) error {
	const attempts = 3
	const delay = 200 * time.Millisecond

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := store.GetJSON(ctx, key, out); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// compressedKeyFromURI strips the blob:// scheme and bucket segment a
// Store.Put URI carries, recovering the key Get/GetJSON expect.
func compressedKeyFromURI(uri string) string {
	const prefix = "blob://"
	if len(uri) <= len(prefix) || uri[:len(prefix)] != prefix {
		return uri
	}
	rest := uri[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[i+1:]
		}
	}
	return rest
}
