package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/model"
)

const defaultSendGridHost = "https://api.sendgrid.com"

// SendGridAdapter sends through the v3 mail API with the account's API key.
// The task and job ids travel as custom args so webhook events can be
// correlated back.
type SendGridAdapter struct {
	Host string
}

func (a *SendGridAdapter) Send(ctx context.Context, task *model.Task, account *model.Account) (Outcome, error) {
	cfg, ok := account.Config.(model.APIKeyConfig)
	if !ok || strings.TrimSpace(cfg.APIKey) == "" {
		return Outcome{}, appErrors.Permanent(fmt.Errorf("account %d has no sendgrid api key", account.ID))
	}

	host := a.Host
	if host == "" {
		host = defaultSendGridHost
	}
	req := sendgrid.GetRequest(cfg.APIKey, "/v3/mail/send", host)
	req.Method = rest.Post
	req.Body = mail.GetRequestBody(buildSendGridMail(task, account))

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return Outcome{}, appErrors.Transient(fmt.Errorf("sendgrid request: %w", err))
	}
	if resp.StatusCode >= 300 {
		return Outcome{}, classifyStatus(resp.StatusCode,
			fmt.Errorf("sendgrid returned %d: %s", resp.StatusCode, strings.TrimSpace(resp.Body)))
	}
	return Outcome{ProviderMessageID: firstHeader(resp.Headers, "X-Message-Id")}, nil
}

func buildSendGridMail(task *model.Task, account *model.Account) *mail.SGMailV3 {
	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail(account.Name, account.EmailAddress))
	m.Subject = task.RenderedSubject

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail("", task.RecipientEmail))
	m.AddPersonalizations(p)
	m.AddContent(mail.NewContent("text/plain", task.RenderedBody))

	m.SetCustomArg("email_task_id", strconv.FormatInt(task.ID, 10))
	m.SetCustomArg("email_job_id", strconv.FormatInt(task.JobID, 10))
	return m
}

func firstHeader(h map[string][]string, key string) string {
	for k, v := range h {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

var _ Adapter = (*SendGridAdapter)(nil)
