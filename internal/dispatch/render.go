package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"

	"remindflow/internal/channel"
	"remindflow/internal/digest"
	"remindflow/internal/domain"
)

// DigestBuilder assembles a digest for digest payloads at fire time.
type DigestBuilder interface {
	Build(ctx context.Context, spec domain.DigestSpec) (*digest.Digest, error)
}

type RenderOptions struct {
	DefaultSubject string
	Signature      string
	Location       *time.Location
}

// Renderer turns a task payload into a channel.Message.
type Renderer struct {
	opts    RenderOptions
	digests DigestBuilder
	policy  *bluemonday.Policy
}

func NewRenderer(opts RenderOptions, digests DigestBuilder) *Renderer {
	if opts.DefaultSubject == "" {
		opts.DefaultSubject = "Reminder"
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Renderer{opts: opts, digests: digests, policy: bluemonday.UGCPolicy()}
}

var errNoDigestBuilder = errors.New("digest payloads are not supported without digest sources")

func (r *Renderer) Render(ctx context.Context, task domain.Task, firedAt time.Time) (channel.Message, error) {
	msg := channel.Message{TaskID: task.ID, FiredAt: firedAt}
	p := task.Payload

	var content string
	switch p.Kind {
	case domain.PayloadDigest:
		if r.digests == nil {
			return msg, errNoDigestBuilder
		}
		spec := domain.DigestSpec{}
		if p.Digest != nil {
			spec = *p.Digest
		}
		d, err := r.digests.Build(ctx, spec)
		if err != nil {
			return msg, fmt.Errorf("building digest: %w", err)
		}
		msg.Subject = firstNonEmpty(p.Subject, d.Title(firedAt.In(r.opts.Location)))
		msg.Text = d.Plain()
		msg.Markdown = d.Markdown()
		msg.HTML = r.html(msg.Markdown, "")
		return msg, nil
	default:
		content = strings.TrimSpace(p.Text)
	}

	msg.Subject = r.subject(p)
	footer := r.footer(firedAt)
	body := content
	if p.Tone == domain.ToneUrgent {
		body = "**" + content + "**"
	}
	msg.Text = content + "\n\n" + footer
	msg.Markdown = "### " + msg.Subject + "\n\n" + body
	msg.HTML = r.html(body, footer)
	return msg, nil
}

func (r *Renderer) subject(p domain.Payload) string {
	if p.Subject != "" {
		if p.Tone == domain.ToneUrgent {
			return "[Urgent] " + p.Subject
		}
		return p.Subject
	}
	switch p.Tone {
	case domain.ToneGentle:
		return "A gentle reminder"
	case domain.ToneUrgent:
		return "[Urgent] " + r.opts.DefaultSubject
	case domain.ToneCheerful:
		return "Friendly reminder"
	}
	return r.opts.DefaultSubject
}

func (r *Renderer) footer(firedAt time.Time) string {
	lines := []string{"---", "Sent at: " + firedAt.In(r.opts.Location).Format("2006-01-02 15:04:05")}
	if r.opts.Signature != "" {
		lines = append(lines, "From: "+r.opts.Signature)
	}
	return strings.Join(lines, "\n")
}

func (r *Renderer) html(md, footer string) string {
	exts := parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock |
		parser.Strikethrough | parser.FencedCode | parser.Autolink | parser.Tables
	p := parser.NewWithExtensions(exts)
	renderer := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags | html.HrefTargetBlank})
	out := string(markdown.ToHTML([]byte(md), p, renderer))
	if footer != "" {
		out += "<hr><p><small>" + strings.ReplaceAll(strings.TrimPrefix(footer, "---\n"), "\n", "<br>") + "</small></p>"
	}
	return r.policy.Sanitize(out)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
