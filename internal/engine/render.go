package engine

import (
	"sort"
	"strconv"
	"strings"

	"github.com/hoztech/whatsflow/internal/models"
)

// Render substitutes {key} placeholders in body with values from ctx. Keys
// absent from ctx are left as literal {key} text, so a misconfigured template
// degrades to visible placeholders instead of failing the conversation.
func Render(body string, ctx map[string]string) string {
	if len(ctx) == 0 {
		return body
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		body = strings.ReplaceAll(body, "{"+k+"}", ctx[k])
	}
	return body
}

// buildRenderContext assembles the rendering context for a session: the named
// built-ins first, then the session's accumulated context data, which wins on
// collision.
func buildRenderContext(contact *models.Contact, sess *models.Session) map[string]string {
	ctx := map[string]string{
		"contact_name": contact.DisplayName(),
		"phone_number": contact.PhoneNumber,
		"current_step": strconv.Itoa(sess.CurrentStep),
		"session_id":   sess.SessionID,
	}
	for k, v := range sess.ContextData {
		ctx[k] = v
	}
	return ctx
}
