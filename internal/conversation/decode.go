package conversation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kurameshinatsuki/supremus/internal/chatid"
)

// ErrMalformed is returned when a persisted blob is not valid JSON or
// does not have a recognizable shape.
var ErrMalformed = errors.New("malformed conversation data")

// DecodeHistory parses a persisted private history. Besides the
// current shape it accepts the legacy shapes found in older snapshots:
// a list of bare strings, entries keyed by "content" or "message"
// instead of "text", and entries carrying "fromMe"/"isBot"/"role"
// instead of "direction". Entries that cannot be upgraded are dropped
// and logged.
func DecodeHistory(raw []byte, logger *slog.Logger) ([]Entry, error) {
	items, err := historyItems(raw)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(items))
	dropped := 0
	for _, item := range items {
		e, ok := upgradeEntry(item)
		if !ok {
			dropped++
			continue
		}
		out = append(out, e)
	}
	logDropped(logger, dropped, len(items))
	return out, nil
}

// DecodeGroupHistory parses a persisted group history, upgrading legacy
// shapes the same way as [DecodeHistory]. Legacy group entries may name
// the sender "sender"/"pushName" instead of "senderId"/"senderName".
func DecodeGroupHistory(raw []byte, logger *slog.Logger) ([]GroupEntry, error) {
	items, err := historyItems(raw)
	if err != nil {
		return nil, err
	}

	out := make([]GroupEntry, 0, len(items))
	dropped := 0
	for _, item := range items {
		e, ok := upgradeEntry(item)
		if !ok {
			dropped++
			continue
		}
		ge := GroupEntry{Entry: e}
		if item.IsObject() {
			ge.SenderID = firstString(item, "senderId", "sender", "participant")
			ge.SenderName = firstString(item, "senderName", "pushName", "name")
		}
		out = append(out, ge)
	}
	logDropped(logger, dropped, len(items))
	return out, nil
}

// DecodeParticipants parses a persisted participant directory. Entries
// whose key is not a well-formed chat identifier are dropped; the
// numeric id is always re-derived from the key so a stale or hand-edited
// value cannot break mention resolution.
func DecodeParticipants(raw []byte, logger *slog.Logger) (map[string]Participant, error) {
	out := map[string]Participant{}
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return out, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: participants are not valid JSON", ErrMalformed)
	}
	res := gjson.ParseBytes(raw)
	if !res.IsObject() {
		return nil, fmt.Errorf("%w: participants must be an object", ErrMalformed)
	}

	dropped := 0
	res.ForEach(func(key, value gjson.Result) bool {
		id := key.String()
		num, err := chatid.NumericID(id)
		if err != nil {
			dropped++
			return true
		}
		out[id] = Participant{
			DisplayName: firstString(value, "displayName", "name"),
			ChatID:      id,
			NumericID:   num,
		}
		return true
	})
	if dropped > 0 && logger != nil {
		logger.Warn("dropped malformed participants", "dropped", dropped)
	}
	return out, nil
}

// EncodeHistory serializes entries for persistence.
func EncodeHistory[T Entry | GroupEntry](entries []T) ([]byte, error) {
	if entries == nil {
		entries = []T{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}
	return data, nil
}

// EncodeParticipants serializes a participant directory.
func EncodeParticipants(p map[string]Participant) ([]byte, error) {
	if p == nil {
		p = map[string]Participant{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal participants: %w", err)
	}
	return data, nil
}

func historyItems(raw []byte) ([]gjson.Result, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}
	if !gjson.ValidBytes(trimmed) {
		return nil, fmt.Errorf("%w: history is not valid JSON", ErrMalformed)
	}

	res := gjson.ParseBytes(trimmed)
	// Versioned envelope: {"v": 1, "entries": [...]}.
	if res.IsObject() && res.Get("entries").Exists() {
		res = res.Get("entries")
	}
	if !res.IsArray() {
		return nil, fmt.Errorf("%w: history must be an array", ErrMalformed)
	}
	return res.Array(), nil
}

func upgradeEntry(item gjson.Result) (Entry, bool) {
	if item.Type == gjson.String {
		return Entry{Text: item.String(), Direction: Inbound}, true
	}
	if !item.IsObject() {
		return Entry{}, false
	}

	text, ok := firstExisting(item, "text", "content", "message")
	if !ok {
		return Entry{}, false
	}

	e := Entry{
		ID:            item.Get("id").String(),
		Text:          text.String(),
		HasImage:      item.Get("hasImage").Bool(),
		HasAudio:      item.Get("hasAudio").Bool(),
		ImageAnalysis: item.Get("imageAnalysis").String(),
	}

	switch dir := item.Get("direction"); {
	case dir.Exists():
		e.Direction = Direction(dir.String())
		if !e.Direction.Valid() {
			return Entry{}, false
		}
	case item.Get("fromMe").Bool(), item.Get("isBot").Bool():
		e.Direction = Outbound
	case item.Get("role").String() == "assistant":
		e.Direction = Outbound
	default:
		e.Direction = Inbound
	}

	ts := item.Get("timestamp")
	switch ts.Type {
	case gjson.String:
		parsed, err := time.Parse(time.RFC3339Nano, ts.String())
		if err != nil {
			return Entry{}, false
		}
		e.Timestamp = parsed
	case gjson.Number:
		n := ts.Int()
		// Values above 1e12 are milliseconds since the epoch.
		if n > 1e12 {
			e.Timestamp = time.UnixMilli(n).UTC()
		} else {
			e.Timestamp = time.Unix(n, 0).UTC()
		}
	}
	return e, true
}

func firstExisting(item gjson.Result, keys ...string) (gjson.Result, bool) {
	for _, k := range keys {
		if v := item.Get(k); v.Exists() && v.Type != gjson.Null {
			return v, true
		}
	}
	return gjson.Result{}, false
}

func firstString(item gjson.Result, keys ...string) string {
	v, ok := firstExisting(item, keys...)
	if !ok {
		return ""
	}
	return v.String()
}

func logDropped(logger *slog.Logger, dropped, total int) {
	if dropped == 0 || logger == nil {
		return
	}
	logger.Warn("dropped malformed history entries",
		"dropped", dropped,
		"total", total,
	)
}
