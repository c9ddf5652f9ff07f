// Package mailbox fetches identity-confirmation codes from the account's
// email over IMAP. Both the inbox and the spam folder are searched, newest
// mail first, because providers routinely misfile these messages.
package mailbox

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
	"github.com/growthops/devicefarm/pkg/config"
	"go.uber.org/zap"
)

// Client holds IMAP endpoint settings. Connections are opened per fetch so
// a stale session can never poison later polls.
type Client struct {
	cfg    config.MailboxConfig
	logger *zap.Logger
}

func New(cfg config.MailboxConfig, logger *zap.Logger) *Client {
	if len(cfg.Folders) == 0 {
		cfg.Folders = []string{"INBOX", "Spam"}
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 20
	}
	return &Client{cfg: cfg, logger: logger}
}

// FetchCode logs into the mailbox and scans recent mail for a confirmation
// code. Returns an error when no matching message carries one; callers
// wrap this in a retry loop because the mail can lag the 2FA prompt by
// a minute or more.
func (c *Client) FetchCode(user, password string) (string, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout.D()}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: c.cfg.Host})
	if err != nil {
		return "", fmt.Errorf("dial imap: %w", err)
	}
	cl := imapclient.New(conn, nil)
	defer cl.Close()

	if err := cl.Login(user, password).Wait(); err != nil {
		return "", fmt.Errorf("imap login: %w", err)
	}
	defer cl.Logout()

	for _, folder := range c.cfg.Folders {
		code, err := c.scanFolder(cl, folder)
		if err != nil {
			c.logger.Debug("Folder scan failed", zap.String("folder", folder), zap.Error(err))
			continue
		}
		if code != "" {
			c.logger.Info("Confirmation code found", zap.String("folder", folder))
			return code, nil
		}
	}
	return "", fmt.Errorf("no confirmation code in recent mail for %s", user)
}

func (c *Client) scanFolder(cl *imapclient.Client, folder string) (string, error) {
	sel, err := cl.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return "", fmt.Errorf("select %s: %w", folder, err)
	}
	if sel.NumMessages == 0 {
		return "", nil
	}

	window := uint32(c.cfg.ScanLimit)
	lo := uint32(1)
	if sel.NumMessages > window {
		lo = sel.NumMessages - window + 1
	}
	var seq imap.SeqSet
	seq.AddRange(lo, sel.NumMessages)

	bodySection := &imap.FetchItemBodySection{}
	msgs, err := cl.Fetch(seq, &imap.FetchOptions{
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}).Collect()
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", folder, err)
	}

	// Newest last in sequence order, so walk backwards.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Envelope == nil || !c.matches(m.Envelope.Subject, fromAddress(m.Envelope)) {
			continue
		}
		raw := m.FindBodySection(bodySection)
		if len(raw) == 0 {
			continue
		}
		if code, ok := ExtractCode(messageText(raw)); ok {
			return code, nil
		}
	}
	return "", nil
}

func (c *Client) matches(subject, from string) bool {
	if c.cfg.SubjectMatch != "" || c.cfg.SenderMatch != "" {
		return strings.Contains(strings.ToLower(subject), strings.ToLower(c.cfg.SubjectMatch)) &&
			strings.Contains(strings.ToLower(from), strings.ToLower(c.cfg.SenderMatch))
	}
	return MatchesVerification(subject, from)
}

func fromAddress(env *imap.Envelope) string {
	if len(env.From) == 0 {
		return ""
	}
	return env.From[0].Addr()
}

// messageText extracts readable text from a raw RFC 822 message, preferring
// plain-text parts and falling back to stripped HTML.
func messageText(raw []byte) string {
	mr, err := mail.CreateReader(strings.NewReader(string(raw)))
	if err != nil {
		return string(raw)
	}

	var plain, htmlText strings.Builder
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ctype, _, _ := h.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch ctype {
		case "text/plain":
			plain.Write(body)
		case "text/html":
			htmlText.WriteString(HTMLToText(string(body)))
		}
	}
	if plain.Len() > 0 {
		return plain.String()
	}
	if htmlText.Len() > 0 {
		return htmlText.String()
	}
	return string(raw)
}
