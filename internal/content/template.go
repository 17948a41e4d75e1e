package content

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/osteele/liquid"
)

// Rotating conversation starters for the template generator. The pick
// is a hash of sender+receiver+topic, so the same pair on the same
// topic always drafts the same message.
var subjectTemplates = []string{
	"Quick question about {{ topic }}",
	"Thoughts on {{ topic }}?",
	"Following up on {{ topic }}",
	"{{ topic }}, worth a look",
	"Checking in re: {{ topic }}",
}

var bodyTemplates = []string{
	"Hi {{ receiver }},\n\nI was thinking about {{ topic }} earlier and wanted to get your take. Any chance you have a few minutes this week?\n\nBest,\n{{ sender }}",
	"Hey {{ receiver }},\n\nHope your week is going well. I came across something on {{ topic }} that reminded me of our last conversation. Would love to hear what you think.\n\nCheers,\n{{ sender }}",
	"Hi {{ receiver }},\n\nJust checking in. Has anything changed on your end regarding {{ topic }}? Happy to compare notes whenever suits you.\n\nThanks,\n{{ sender }}",
	"Hello {{ receiver }},\n\nShort one from me: I'm putting together some notes on {{ topic }} and your perspective would help a lot.\n\nRegards,\n{{ sender }}",
}

var replyTemplates = []string{
	"Hi {{ receiver }},\n\nThanks for reaching out! That's a good point about {{ topic }}. Let me think it over and get back to you with something more concrete.\n\nBest,\n{{ sender }}",
	"Hey {{ receiver }},\n\nGood to hear from you. I'd be glad to chat about {{ topic }}. How does later this week sound?\n\nCheers,\n{{ sender }}",
	"Hi {{ receiver }},\n\nAppreciate the note. I've had {{ topic }} on my list too, so your timing is great. More soon.\n\nThanks,\n{{ sender }}",
}

var defaultTopics = []string{
	"the quarterly planning doc",
	"that vendor comparison",
	"the onboarding checklist",
	"next month's schedule",
	"the project timeline",
}

// TemplateGenerator renders Liquid templates deterministically. It never
// returns an error, which makes it a safe terminal fallback.
type TemplateGenerator struct {
	engine *liquid.Engine
}

// NewTemplateGenerator creates the deterministic generator.
func NewTemplateGenerator() *TemplateGenerator {
	return &TemplateGenerator{engine: liquid.NewEngine()}
}

func pick(n int, parts ...string) int {
	h := fnv.New32a()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return int(h.Sum32()) % n
}

func (g *TemplateGenerator) render(tpl string, req Request, topic string) string {
	bindings := map[string]interface{}{
		"sender":   req.SenderName,
		"receiver": req.ReceiverName,
		"topic":    topic,
	}
	out, err := g.engine.ParseAndRenderString(tpl, bindings)
	if err != nil {
		// Template set is static; a render failure is a programming
		// error, but the fallback still has to produce something.
		return fmt.Sprintf("Hi %s,\n\nJust checking in about %s.\n\nBest,\n%s",
			req.ReceiverName, topic, req.SenderName)
	}
	return out
}

func (g *TemplateGenerator) topic(req Request) string {
	if req.Topic != "" {
		return req.Topic
	}
	return defaultTopics[pick(len(defaultTopics), req.SenderName, req.ReceiverName)]
}

// Generate drafts an opener for the pair.
func (g *TemplateGenerator) Generate(ctx context.Context, req Request) (*Draft, error) {
	topic := g.topic(req)
	seed := []string{req.SenderName, req.ReceiverName, topic}

	subject := g.render(subjectTemplates[pick(len(subjectTemplates), seed...)], req, topic)
	body := g.render(bodyTemplates[pick(len(bodyTemplates), append(seed, "body")...)], req, topic)
	return &Draft{Subject: subject, Body: body}, nil
}

// GenerateReply drafts a response referencing the original subject.
func (g *TemplateGenerator) GenerateReply(ctx context.Context, req Request, original *Draft) (*Draft, error) {
	topic := g.topic(req)
	if original != nil && original.Subject != "" {
		topic = original.Subject
	}
	seed := []string{req.SenderName, req.ReceiverName, topic, "reply"}

	body := g.render(replyTemplates[pick(len(replyTemplates), seed...)], req, topic)
	subject := "Re: " + topic
	if original != nil && original.Subject != "" {
		subject = "Re: " + original.Subject
	}
	return &Draft{Subject: subject, Body: body}, nil
}
