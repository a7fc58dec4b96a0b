package workforce

import (
	"context"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// fakeModel scripts chat model responses for tests. Each call pops the next
// scripted reply; when the script runs dry, the last entry repeats.
type fakeModel struct {
	mu      sync.Mutex
	script  []fakeReply
	cursor  int
	calls   int
	lastIn  []*schema.Message
}

type fakeReply struct {
	msg *schema.Message
	err error
}

func newFakeModel(replies ...fakeReply) *fakeModel {
	return &fakeModel{script: replies}
}

func text(s string) fakeReply {
	return fakeReply{msg: schema.AssistantMessage(s, nil)}
}

func fail(err error) fakeReply {
	return fakeReply{err: err}
}

func toolCall(name, args string) fakeReply {
	return fakeReply{msg: schema.AssistantMessage("", []schema.ToolCall{{
		ID:       "call_1",
		Function: schema.FunctionCall{Name: name, Arguments: args},
	}})}
}

func (f *fakeModel) next(input []*schema.Message) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastIn = input
	if len(f.script) == 0 {
		return schema.AssistantMessage("ok", nil), nil
	}
	r := f.script[f.cursor]
	if f.cursor < len(f.script)-1 {
		f.cursor++
	}
	return r.msg, r.err
}

func (f *fakeModel) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return f.next(input)
}

func (f *fakeModel) Stream(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := f.next(input)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (f *fakeModel) WithTools(_ []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return f, nil
}
