package email

import (
	"testing"

	"github.com/stretchr/testify/require"

	"gatherbot/internal/domain"
)

func TestTemplateRendererDispatchFailure(t *testing.T) {
	renderer := NewTemplateRenderer()

	subject, htmlBody, textBody, err := renderer.Render("dispatch_failure", &domain.DispatchFailureAlert{
		JobID:     "job-1",
		EventID:   "ev-1",
		Kind:      domain.KindReminder,
		Attempts:  6,
		LastError: "telegram api 502: bad gateway",
	})
	require.NoError(t, err)

	require.NotEmpty(t, subject)
	require.Contains(t, htmlBody, "job-1")
	require.Contains(t, htmlBody, "ev-1")
	require.Contains(t, textBody, "job-1")
	require.Contains(t, textBody, "telegram api 502: bad gateway")
}

func TestTemplateRendererUnknownTemplate(t *testing.T) {
	renderer := NewTemplateRenderer()
	_, _, _, err := renderer.Render("no_such_template", nil)
	require.Error(t, err)
}
