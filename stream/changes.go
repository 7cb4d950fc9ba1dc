// Package stream provides DynamoDB Streams handlers for the location table.
package stream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"github.com/jacentio/gachar/hierarchy"
	"github.com/jacentio/gachar/internal/logging"
	"github.com/jacentio/gachar/store"
)

// Stream event names.
const (
	eventInsert = "INSERT"
	eventModify = "MODIFY"
	eventRemove = "REMOVE"
)

// ActionPurge is recorded when a location item is removed from the table
// outside the hierarchy service.
const ActionPurge = "purge"

// Cascader finishes cascading deactivations. *hierarchy.Service satisfies it.
type Cascader interface {
	CompleteCascade(ctx context.Context, rootID string) (int, error)
}

// Handler turns location table changes into audit entries and completes
// cascades whose root was deactivated.
type Handler struct {
	cascader Cascader
	audit    hierarchy.AuditSink
	logger   zerolog.Logger
}

// NewHandler creates a new stream handler. audit may be nil.
func NewHandler(c Cascader, audit hierarchy.AuditSink, logger *zerolog.Logger) *Handler {
	l := logging.WithComponent("stream")
	if logger != nil {
		l = *logger
	}
	return &Handler{
		cascader: c,
		audit:    audit,
		logger:   l,
	}
}

// HandleNodeChanges processes a batch of location table stream records.
// It is designed to be used as an AWS Lambda handler; a returned error makes
// Lambda retry the batch.
func (h *Handler) HandleNodeChanges(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error().
				Str("event_id", record.EventID).
				Err(err).
				Msg("failed to process record")
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord handles a single stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	entry, ok := h.entryFor(record)
	if !ok {
		return nil
	}
	h.record(ctx, entry)

	// A cascade root may have gained children while its cascade ran.
	if entry.Action == string(hierarchy.ActionDeactivate) &&
		getStringAttr(record.Change.NewImage, store.AttrCascadeRoot) == entry.EntityID {
		n, err := h.cascader.CompleteCascade(ctx, entry.EntityID)
		if err != nil {
			return fmt.Errorf("complete cascade %s: %w", entry.EntityID, err)
		}
		h.logger.Info().
			Str("root_id", entry.EntityID).
			Int("late_descendants", n).
			Msg("cascade completed")
	}
	return nil
}

// entryFor derives the audit entry for a record. ok is false for changes
// that carry nothing worth auditing.
func (h *Handler) entryFor(record events.DynamoDBEventRecord) (entry hierarchy.AuditEntry, ok bool) {
	oldImage := record.Change.OldImage
	newImage := record.Change.NewImage

	entry = hierarchy.AuditEntry{
		EntityType: hierarchy.EntityTypeLocation,
		Details:    map[string]any{"source": "stream", "event_id": record.EventID},
		At:         record.Change.ApproximateCreationDateTime.Time,
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}

	switch record.EventName {
	case eventInsert:
		entry.Action = string(hierarchy.ActionCreate)
		entry.EntityID = getStringAttr(newImage, store.AttrID)
		entry.PerformedBy = getStringAttr(newImage, store.AttrUpdatedBy)
		entry.Details["name"] = getStringAttr(newImage, store.AttrName)
		entry.Details["type"] = getStringAttr(newImage, store.AttrType)
		entry.Details["parent_id"] = getStringAttr(newImage, store.AttrParentID)

	case eventModify:
		if getNumberAttr(oldImage, store.AttrVersion) == getNumberAttr(newImage, store.AttrVersion) {
			return entry, false
		}
		entry.EntityID = getStringAttr(newImage, store.AttrID)
		entry.PerformedBy = getStringAttr(newImage, store.AttrUpdatedBy)

		wasActive := getBoolAttr(oldImage, store.AttrIsActive)
		isActive := getBoolAttr(newImage, store.AttrIsActive)
		oldParent := getStringAttr(oldImage, store.AttrParentID)
		newParent := getStringAttr(newImage, store.AttrParentID)
		// A cascade over an already inactive root only rewrites cascade_root.
		cascadeRoot := getStringAttr(newImage, store.AttrCascadeRoot)
		claimed := cascadeRoot == entry.EntityID &&
			getStringAttr(oldImage, store.AttrCascadeRoot) != cascadeRoot
		switch {
		case !isActive && (wasActive || claimed):
			entry.Action = string(hierarchy.ActionDeactivate)
			entry.Details["cascade_root"] = cascadeRoot
		case !wasActive && isActive:
			entry.Action = string(hierarchy.ActionReactivate)
		case oldParent != newParent:
			entry.Action = string(hierarchy.ActionReparent)
			entry.Details["from_parent_id"] = oldParent
			entry.Details["to_parent_id"] = newParent
		default:
			entry.Action = string(hierarchy.ActionUpdate)
			entry.Details["previous_name"] = getStringAttr(oldImage, store.AttrName)
			entry.Details["name"] = getStringAttr(newImage, store.AttrName)
			entry.Details["type"] = getStringAttr(newImage, store.AttrType)
		}
		entry.Details["version"] = getNumberAttr(newImage, store.AttrVersion)

	case eventRemove:
		entry.Action = ActionPurge
		entry.EntityID = getStringAttr(oldImage, store.AttrID)
		if entry.EntityID == "" {
			entry.EntityID = getStringAttr(record.Change.Keys, store.AttrID)
		}
		entry.PerformedBy = hierarchy.SystemCaller.ID
		entry.Details["name"] = getStringAttr(oldImage, store.AttrName)

	default:
		return entry, false
	}

	return entry, entry.EntityID != ""
}

// record sends entry to the audit sink; failures are logged only.
func (h *Handler) record(ctx context.Context, entry hierarchy.AuditEntry) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Record(ctx, entry); err != nil {
		h.logger.Warn().
			Err(err).
			Str("action", entry.Action).
			Str("node_id", entry.EntityID).
			Msg("audit record failed")
	}
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}

// getBoolAttr extracts a boolean attribute from a DynamoDB stream image.
func getBoolAttr(image map[string]events.DynamoDBAttributeValue, key string) bool {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeBoolean {
		return v.Boolean()
	}
	return false
}
