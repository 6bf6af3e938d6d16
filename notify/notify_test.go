package notify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luckylud/pyas2/config"
)

func TestNewMailerRequiresSettings(t *testing.T) {
	_, err := NewMailer(config.Mail{})
	require.Error(t, err)

	_, err = NewMailer(config.Mail{Host: "smtp.example.com"})
	require.Error(t, err)
}

func TestNewMailer(t *testing.T) {
	m, err := NewMailer(config.Mail{
		Host:     "smtp.example.com",
		Port:     2525,
		Username: "as2",
		Password: "secret",
		From:     "as2@example.com",
		To:       []string{"edi-ops@example.com"},
	})
	require.NoError(t, err)
	require.NotNil(t, m)
}
