package rpc

import (
	"errors"
	"fmt"

	"github.com/tataru-assistant/tataru"
	"github.com/tataru-assistant/tataru/pkg/cache"
	"google.golang.org/protobuf/types/known/structpb"
)

// TranslateRequest asks the server to translate one text
type TranslateRequest struct {
	Text   string
	Config tataru.Config
	Table  tataru.Table
	Type   tataru.TextType
}

// TranslateResponse carries a finished translation
type TranslateResponse struct {
	Translation string
}

// TranslateDelta is one message of a streamed translation.
// The last message has Done set and carries the assembled translation.
type TranslateDelta struct {
	Delta       string
	Translation string
	Done        bool
}

func (r *TranslateRequest) proto() (*structpb.Struct, error) {
	table := make([]interface{}, 0, len(r.Table))
	for _, p := range r.Table {
		table = append(table, []interface{}{p.Code, p.Replacement})
	}

	return structpb.NewStruct(map[string]interface{}{
		"text":               r.Text,
		"type":               string(r.Type),
		"engine":             r.Config.Engine,
		"engine_alternate":   r.Config.EngineAlternate,
		"auto_change":        r.Config.AutoChange,
		"from":               r.Config.From,
		"to":                 r.Config.To,
		"multiline_batching": r.Config.MultilineBatching,
		"table":              table,
	})
}

func decodeTranslateRequest(s *structpb.Struct) (*TranslateRequest, error) {
	f := s.GetFields()

	req := &TranslateRequest{
		Text: f["text"].GetStringValue(),
		Type: tataru.TextType(f["type"].GetStringValue()),
		Config: tataru.Config{
			Engine:            f["engine"].GetStringValue(),
			EngineAlternate:   f["engine_alternate"].GetStringValue(),
			AutoChange:        f["auto_change"].GetBoolValue(),
			From:              f["from"].GetStringValue(),
			To:                f["to"].GetStringValue(),
			MultilineBatching: f["multiline_batching"].GetBoolValue(),
		},
	}
	if req.Type == "" {
		req.Type = tataru.TypeSentence
	}

	for i, v := range f["table"].GetListValue().GetValues() {
		pair := v.GetListValue().GetValues()
		if len(pair) != 2 {
			return nil, fmt.Errorf("table entry %d: expected [code, replacement]", i)
		}
		req.Table = append(req.Table, tataru.Placeholder{
			Code:        pair[0].GetStringValue(),
			Replacement: pair[1].GetStringValue(),
		})
	}

	if req.Config.Engine == "" {
		return nil, errors.New("engine is required")
	}

	return req, nil
}

func (r *TranslateResponse) proto() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"translation": r.Translation,
	})
}

func decodeTranslateResponse(s *structpb.Struct) *TranslateResponse {
	return &TranslateResponse{Translation: s.GetFields()["translation"].GetStringValue()}
}

func (d *TranslateDelta) proto() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"delta":       d.Delta,
		"translation": d.Translation,
		"done":        d.Done,
	})
}

func decodeTranslateDelta(s *structpb.Struct) *TranslateDelta {
	f := s.GetFields()
	return &TranslateDelta{
		Delta:       f["delta"].GetStringValue(),
		Translation: f["translation"].GetStringValue(),
		Done:        f["done"].GetBoolValue(),
	}
}

func encodeStats(st cache.Stats) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"hits":             st.Hits,
		"misses":           st.Misses,
		"evictions":        st.Evictions,
		"session_hits":     st.SessionHits,
		"promotions":       st.Promotions,
		"demotions":        st.Demotions,
		"size":             st.Size,
		"max_size":         st.MaxSize,
		"session_size":     st.SessionSize,
		"session_max_size": st.SessionMaxSize,
		"tracked":          st.Tracked,
		"hit_rate":         st.HitRate,
		"session_hit_rate": st.SessionHitRate,
		"usage":            st.Usage,
	})
}

func decodeStats(s *structpb.Struct) cache.Stats {
	f := s.GetFields()
	n := func(name string) float64 { return f[name].GetNumberValue() }

	return cache.Stats{
		Hits:           uint64(n("hits")),
		Misses:         uint64(n("misses")),
		Evictions:      uint64(n("evictions")),
		SessionHits:    uint64(n("session_hits")),
		Promotions:     uint64(n("promotions")),
		Demotions:      uint64(n("demotions")),
		Size:           int(n("size")),
		MaxSize:        int(n("max_size")),
		SessionSize:    int(n("session_size")),
		SessionMaxSize: int(n("session_max_size")),
		Tracked:        int(n("tracked")),
		HitRate:        n("hit_rate"),
		SessionHitRate: n("session_hit_rate"),
		Usage:          n("usage"),
	}
}
