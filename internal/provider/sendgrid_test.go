package provider_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/provider"
)

func sendgridAccount() *model.Account {
	return &model.Account{
		ID:           3,
		Provider:     model.ProviderSendGrid,
		EmailAddress: "sender@example.com",
		Name:         "Sender",
		Config:       model.APIKeyConfig{APIKey: "SG.test"},
		IsActive:     true,
	}
}

func testTask() *model.Task {
	return &model.Task{
		ID:              11,
		JobID:           5,
		RecipientEmail:  "user1@example.com",
		RenderedSubject: "Hello Ann",
		RenderedBody:    "Hi Ann",
		Status:          model.TaskInProgress,
	}
}

func TestSendGridAdapterSends(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer SG.test", r.Header.Get("Authorization"))
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &body))
		w.Header().Set("X-Message-Id", "sg-msg-1")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	a := &provider.SendGridAdapter{Host: srv.URL}
	out, err := a.Send(context.Background(), testTask(), sendgridAccount())
	require.NoError(t, err)
	assert.Equal(t, "sg-msg-1", out.ProviderMessageID)

	assert.Equal(t, "Hello Ann", body["subject"])
	assert.Equal(t, map[string]any{"email_task_id": "11", "email_job_id": "5"}, body["custom_args"])
	from := body["from"].(map[string]any)
	assert.Equal(t, "sender@example.com", from["email"])
}

func TestSendGridAdapterClassifiesErrors(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusTooManyRequests, false},
		{http.StatusServiceUnavailable, false},
		{http.StatusBadRequest, true},
		{http.StatusForbidden, true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"errors":[{"message":"nope"}]}`))
		}))
		a := &provider.SendGridAdapter{Host: srv.URL}
		_, err := a.Send(context.Background(), testTask(), sendgridAccount())
		srv.Close()

		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.permanent, appErrors.IsPermanent(err), "status %d", tc.status)
	}
}

func TestSendGridAdapterNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	a := &provider.SendGridAdapter{Host: srv.URL}
	_, err := a.Send(context.Background(), testTask(), sendgridAccount())
	require.Error(t, err)
	assert.False(t, appErrors.IsPermanent(err))
}

func TestSendGridAdapterRejectsMissingKey(t *testing.T) {
	acc := sendgridAccount()
	acc.Config = model.APIKeyConfig{}
	_, err := (&provider.SendGridAdapter{}).Send(context.Background(), testTask(), acc)
	require.Error(t, err)
	assert.True(t, appErrors.IsPermanent(err))
}
