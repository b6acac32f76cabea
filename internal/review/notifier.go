// Package review pushes runs that need a human decision into a Notion
// database, so reviewers work a shared queue instead of tailing logs.
package review

import (
	"context"
	"fmt"
	"sync"

	"github.com/jomei/notionapi"
	"go.uber.org/zap"

	"github.com/sells-group/screening-cli/internal/event"
	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/pkg/notion"
)

// Notifier mirrors the manual-review queue into a Notion database. A page is
// created when a run parks in manual review and marked resolved when the run
// completes.
type Notifier struct {
	client notion.Client
	dbID   string
	cancel func()
	wg     sync.WaitGroup

	mu    sync.Mutex
	pages map[string]notionapi.ObjectID // run ID -> review page
}

// NewNotifier subscribes to the bus and starts mirroring review events.
func NewNotifier(bus *event.Bus, client notion.Client, dbID string) *Notifier {
	ch, cancel := bus.Subscribe()
	n := &Notifier{
		client: client,
		dbID:   dbID,
		cancel: cancel,
		pages:  make(map[string]notionapi.ObjectID),
	}
	n.wg.Add(1)
	go n.consume(ch)
	return n
}

func (n *Notifier) consume(ch <-chan event.Event) {
	defer n.wg.Done()
	for ev := range ch {
		switch {
		case ev.Type == event.RunTransitioned && ev.To == model.StateManualReview && ev.Run != nil:
			n.opened(ev.Run)
		case ev.Type == event.RunCompleted && ev.Run != nil && ev.Run.Decision != nil:
			n.resolved(ev.Run)
		}
	}
}

func (n *Notifier) opened(run *model.Run) {
	page, err := n.client.CreatePage(context.Background(), &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(n.dbID),
		},
		Properties: reviewProperties(run),
	})
	if err != nil {
		zap.L().Warn("failed to create review page",
			zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	n.mu.Lock()
	n.pages[run.ID] = page.ID
	n.mu.Unlock()
}

func (n *Notifier) resolved(run *model.Run) {
	n.mu.Lock()
	pageID, ok := n.pages[run.ID]
	delete(n.pages, run.ID)
	n.mu.Unlock()
	if !ok {
		return
	}

	_, err := n.client.UpdatePage(context.Background(), string(pageID), &notionapi.PageUpdateRequest{
		Properties: notionapi.Properties{
			"Status": notionapi.SelectProperty{
				Select: notionapi.Option{Name: statusFor(run.State)},
			},
			"Reviewer": notionapi.RichTextProperty{
				RichText: richText(run.Decision.Reviewer),
			},
		},
	})
	if err != nil {
		zap.L().Warn("failed to resolve review page",
			zap.String("run_id", run.ID), zap.Error(err))
	}
}

// Stop unsubscribes and waits for in-flight API calls to finish.
func (n *Notifier) Stop() {
	n.cancel()
	n.wg.Wait()
}

func reviewProperties(run *model.Run) notionapi.Properties {
	req := run.Request
	return notionapi.Properties{
		"Name": notionapi.TitleProperty{
			Title: richText(fmt.Sprintf("%s -> %s (%s %.2f)",
				req.SenderName, req.CounterpartyName, req.Currency, req.Amount)),
		},
		"Run ID": notionapi.RichTextProperty{
			RichText: richText(run.ID),
		},
		"Entity": notionapi.RichTextProperty{
			RichText: richText(req.EntityID),
		},
		"Risk": notionapi.SelectProperty{
			Select: notionapi.Option{Name: string(run.FinalRisk)},
		},
		"Status": notionapi.SelectProperty{
			Select: notionapi.Option{Name: "Pending"},
		},
	}
}

func statusFor(state model.RunState) string {
	if state == model.StateApproved {
		return "Approved"
	}
	return "Rejected"
}

func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{{
		Type: notionapi.ObjectTypeText,
		Text: &notionapi.Text{Content: s},
	}}
}
