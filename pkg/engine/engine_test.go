package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tataru-assistant/tataru"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func sentence(engine, text string) *tataru.Request {
	return &tataru.Request{Text: text, Engine: engine, From: "English", To: "Traditional-Chinese", Type: tataru.TypeSentence}
}

func TestRegistry(t *testing.T) {
	baidu := NewDictionary("Baidu", map[string]string{"Hello": "你好"})
	youdao := NewDictionary("Youdao", map[string]string{"Hello": "您好"})
	r := NewRegistry(youdao, baidu)

	assert.Equal(t, []string{"Baidu", "Youdao"}, r.Names())

	e, err := r.Get("Baidu")
	require.NoError(t, err)
	assert.Equal(t, "Baidu", e.Name())

	_, err = r.Get("Google")
	assert.True(t, errors.Is(err, tataru.ErrUnknownEngine))

	out, err := r.Translate(context.Background(), sentence("Youdao", "Hello"))
	require.NoError(t, err)
	assert.Equal(t, "您好", out)

	_, err = r.Translate(context.Background(), sentence("Google", "Hello"))
	assert.ErrorIs(t, err, tataru.ErrUnknownEngine)
}

func TestRegistryStreaming(t *testing.T) {
	r := NewRegistry(NewDictionary("Baidu", nil), plainEngine("Plain"))

	_, ok := r.Streaming("Baidu")
	assert.True(t, ok)

	_, ok = r.Streaming("Plain")
	assert.False(t, ok)

	_, ok = r.Streaming("Missing")
	assert.False(t, ok)
}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := NewRegistry(NewDictionary("Baidu", map[string]string{"Hello": "你好"}))
	r.Register(NewDictionary("Baidu", map[string]string{"Hello": "哈囉"}))

	out, err := r.Translate(context.Background(), sentence("Baidu", "Hello"))
	require.NoError(t, err)
	assert.Equal(t, "哈囉", out)
}

type plainEngine string

func (p plainEngine) Name() string { return string(p) }

func (p plainEngine) Translate(ctx context.Context, req *tataru.Request) (string, error) {
	return req.Text, nil
}

func TestDictionaryTranslate(t *testing.T) {
	d := NewDictionary("Baidu", map[string]string{
		"Hello":       "你好",
		"World":       "世界",
		"Good  Night": "晚安",
	})
	assert.Equal(t, 3, d.Len())

	tests := []struct {
		name string
		text string
		want string
		code codes.Code
	}{
		{"exact", "Hello", "你好", codes.OK},
		{"case and whitespace", "  hello ", "你好", codes.OK},
		{"collapsed whitespace", "good night", "晚安", codes.OK},
		{"batch payload", "Hello\n###TATARU_SEP###\nWorld", "你好\n###TATARU_SEP###\n世界", codes.OK},
		{"partial", "Hello\nStranger", "你好\nStranger", codes.OK},
		{"unknown", "Stranger", "", codes.NotFound},
		{"blank", " ", "", codes.NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Translate(context.Background(), sentence("Baidu", tt.text))
			assert.Equal(t, tt.code, status.Code(err))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDictionaryStream(t *testing.T) {
	d := NewDictionary("Baidu", map[string]string{"Hello": "你好", "World": "世界"})

	var deltas []string
	out, err := d.TranslateStream(context.Background(), sentence("Baidu", "Hello\nWorld"), func(s string) {
		deltas = append(deltas, s)
	})
	require.NoError(t, err)

	assert.Equal(t, "你好\n世界", out)
	assert.Equal(t, []string{"你好", "\n世界"}, deltas)
}

func TestDictionaryStreamMissEmitsNothing(t *testing.T) {
	d := NewDictionary("Baidu", map[string]string{"Hello": "你好"})

	called := false
	_, err := d.TranslateStream(context.Background(), sentence("Baidu", "Stranger"), func(string) { called = true })

	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.False(t, called)
}

func TestDictionaryStreamCancelled(t *testing.T) {
	d := NewDictionary("Baidu", map[string]string{"Hello": "你好"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.TranslateStream(ctx, sentence("Baidu", "Hello"), func(string) {})
	assert.Equal(t, codes.Canceled, status.Code(err))
}
