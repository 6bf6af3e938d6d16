package as2

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/luckylud/pyas2/profile"
	"github.com/luckylud/pyas2/store"
)

// Partner profiles may carry a command template to run after a successful
// exchange, for handing the document to the next system in line. Templates
// substitute $filename, $fullfilename, $sender, $receiver and $messageid,
// plus any transport header by its lowercase name.

func (e *Engine) runPostReceive(ctx context.Context, msg *store.Message, partner *profile.Partner, deliveredPath string) {
	if partner == nil || partner.CmdReceive == "" {
		return
	}
	e.runHook(ctx, msg, "post receive", partner.CmdReceive, deliveredPath)
}

func (e *Engine) runPostSend(ctx context.Context, msg *store.Message, partner *profile.Partner) {
	if partner == nil || partner.CmdSend == "" {
		return
	}
	e.runHook(ctx, msg, "post send", partner.CmdSend, msg.PayloadFile)
}

// runHook expands and launches one command. The hook runs detached: its
// outcome is logged but never changes the state of the exchange.
func (e *Engine) runHook(ctx context.Context, msg *store.Message, kind, template, fullPath string) {
	command := e.expandHook(msg, template, fullPath)
	e.logMessage(ctx, msg, store.StatusSuccess, fmt.Sprintf("Executing %s command: %q", kind, command))

	argv := strings.Fields(command)
	if len(argv) == 0 {
		return
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	id := msg.ID
	go func() {
		if err := cmd.Run(); err != nil {
			e.log.Error().Err(err).Str("message", id).Msgf("%s command failed", kind)
		}
	}()
}

func (e *Engine) expandHook(msg *store.Message, template, fullPath string) string {
	vars := map[string]string{
		"filename":     msg.PayloadName,
		"fullfilename": fullPath,
		"sender":       msg.Organization,
		"receiver":     msg.Partner,
		"messageid":    msg.MessageID,
	}
	if hdr, err := parseHeaderString(msg.Headers); err == nil {
		for _, f := range hdr.Fields() {
			key := strings.ToLower(f.Key)
			if _, taken := vars[key]; !taken {
				vars[key] = f.Value
			}
		}
	}
	return os.Expand(template, func(name string) string {
		return vars[strings.ToLower(name)]
	})
}
