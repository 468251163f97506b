package llmclient

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const (
	encodingO200K  = "o200k_base"
	encodingCL100K = "cl100k_base"
)

// Chat formatting overheads of the OpenAI chat template: each message is
// framed by a few tokens and the reply is primed with three more.
const (
	chatTokensPerMessage = 3
	chatReplyPriming     = 3
)

type encoderEntry struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// encoders caches one loaded BPE per encoding name. A failed load is cached
// too, so an offline process does not retry the download on every call.
var encoders sync.Map

// EncodingFor names the tiktoken encoding used by an OpenAI model id.
func EncodingFor(modelID string) string {
	id := strings.ToLower(strings.TrimSpace(modelID))
	for _, prefix := range []string{"gpt-4o", "gpt-4.1", "gpt-5", "o1", "o3", "o4", "chatgpt-4o"} {
		if strings.HasPrefix(id, prefix) {
			return encodingO200K
		}
	}
	return encodingCL100K
}

func encoder(name string) (*tiktoken.Tiktoken, error) {
	v, _ := encoders.LoadOrStore(name, &encoderEntry{})
	e := v.(*encoderEntry)
	e.once.Do(func() {
		e.enc, e.err = tiktoken.GetEncoding(name)
		if e.err != nil {
			e.err = fmt.Errorf("load %s encoding: %w", name, e.err)
		}
	})
	return e.enc, e.err
}

// CountChatTokens counts msgs with the model's tiktoken encoding, including
// the chat template overhead. It fails when the encoding cannot be loaded;
// callers fall back to CountMessageTokens.
func CountChatTokens(msgs []Message, modelID string) (int, error) {
	enc, err := encoder(EncodingFor(modelID))
	if err != nil {
		return 0, err
	}
	total := chatReplyPriming
	for _, m := range msgs {
		total += chatTokensPerMessage
		total += len(enc.Encode(string(m.Role), nil, nil))
		total += len(enc.Encode(m.Content, nil, nil))
	}
	return total, nil
}
