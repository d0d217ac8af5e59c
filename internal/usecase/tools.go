package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"banking-agent/internal/domain"
)

const (
	toolOpenAccount      = "open_account"
	toolOpenAccountAlias = "abrir_cuenta"
)

// CaseCreator files cases with the CRM. It degrades to a mock case rather
// than failing.
type CaseCreator interface {
	CreateCase(ctx context.Context, fields map[string]string) domain.Case
}

// toolResult is what an executed tool feeds back to the model.
type toolResult struct {
	Text string
	Case *domain.Case
}

type toolFunc func(ctx context.Context, sessionID string, call domain.ToolCall) toolResult

// toolRunner dispatches tool calls by name.
type toolRunner struct {
	tools  map[string]toolFunc
	cases  CaseCreator
	logger *slog.Logger
}

func newToolRunner(cases CaseCreator, logger *slog.Logger) *toolRunner {
	r := &toolRunner{cases: cases, logger: logger}
	r.tools = map[string]toolFunc{
		toolOpenAccount:      r.openAccount,
		toolOpenAccountAlias: r.openAccount,
	}
	return r
}

func (r *toolRunner) run(ctx context.Context, sessionID string, call domain.ToolCall) toolResult {
	fn, ok := r.tools[call.Name]
	if !ok {
		r.logger.Warn("usecase: unknown tool requested", "session_id", sessionID, "tool", call.Name)
		return toolResult{Text: fmt.Sprintf("La herramienta %q no existe. Herramientas disponibles: %s.", call.Name, strings.Join(r.names(), ", "))}
	}
	return fn(ctx, sessionID, call)
}

func (r *toolRunner) names() []string {
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// accountFields maps each CRM field to the argument names the model may use
// for it, in preference order.
var accountFields = []struct {
	field   string
	aliases []string
}{
	{"customer_name", []string{"customer_name", "nombre", "nombre_completo", "name"}},
	{"document_id", []string{"document_id", "cedula", "documento", "documento_id"}},
	{"birth_date", []string{"birth_date", "fecha_nacimiento"}},
	{"address", []string{"address", "direccion", "dirección"}},
	{"phone", []string{"phone", "telefono", "teléfono"}},
	{"email", []string{"email", "correo"}},
	{"income_proof", []string{"income_proof", "comprobante_ingresos"}},
	{"business_registry", []string{"business_registry", "registro_mercantil"}},
	{"account_type", []string{"account_type", "tipo_cuenta"}},
}

func normalizeAccountFields(call domain.ToolCall) map[string]string {
	out := make(map[string]string, len(accountFields))
	for _, f := range accountFields {
		for _, alias := range f.aliases {
			if v, ok := call.Arg(alias); ok && strings.TrimSpace(v) != "" {
				out[f.field] = strings.TrimSpace(v)
				break
			}
		}
	}
	return out
}

func (r *toolRunner) openAccount(ctx context.Context, sessionID string, call domain.ToolCall) toolResult {
	fields := normalizeAccountFields(call)
	if fields["customer_name"] == "" {
		return toolResult{Text: "No se creó la solicitud: falta el nombre del cliente. Pídele su nombre completo."}
	}
	fields["type"] = "account_opening"
	fields["session_id"] = sessionID
	fields["status"] = "new"
	fields["priority"] = "medium"
	fields["source"] = "chat_bot"

	c := r.cases.CreateCase(ctx, fields)
	r.logger.Info("usecase: account opening case created",
		"session_id", sessionID,
		"case_id", c.ID,
		"degraded", c.Degraded,
	)
	if c.Degraded {
		return toolResult{
			Text: fmt.Sprintf("El CRM no respondió; la solicitud quedó registrada con el número provisional %s. Un representante la confirmará.", c.ID),
			Case: &c,
		}
	}
	return toolResult{
		Text: fmt.Sprintf("Solicitud de apertura de cuenta creada. Número de ticket: %s.", c.ID),
		Case: &c,
	}
}
