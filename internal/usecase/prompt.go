package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"banking-agent/internal/toolcall"
)

// PromptContext is the static knowledge injected into every system
// instruction.
type PromptContext struct {
	Products string
	FAQ      string
}

// PromptContextLoader supplies the prompt context for a turn.
type PromptContextLoader interface {
	Load(ctx context.Context) PromptContext
}

// ParamBatchGetter reads several parameters at once; missing names are
// absent from the result.
type ParamBatchGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// ParamContextLoader reads the prompt context from the parameter store on
// first use and caches it once a read succeeds.
type ParamContextLoader struct {
	params      ParamBatchGetter
	paramPrefix string
	logger      *slog.Logger

	cacheMu     sync.RWMutex
	cacheLoaded bool
	cached      PromptContext
}

func NewParamContextLoader(params ParamBatchGetter, paramPrefix string, logger *slog.Logger) (*ParamContextLoader, error) {
	if params == nil {
		return nil, fmt.Errorf("usecase: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, fmt.Errorf("usecase: parameter prefix must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ParamContextLoader{params: params, paramPrefix: paramPrefix, logger: logger}, nil
}

// Load returns the cached context. A failed read yields an empty context and
// is retried on the next call.
func (l *ParamContextLoader) Load(ctx context.Context) PromptContext {
	l.cacheMu.RLock()
	if l.cacheLoaded {
		pc := l.cached
		l.cacheMu.RUnlock()
		return pc
	}
	l.cacheMu.RUnlock()

	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	if l.cacheLoaded {
		return l.cached
	}

	productsKey := l.paramPrefix + "/product_context"
	faqKey := l.paramPrefix + "/faq"
	vals, err := l.params.GetParameters(ctx, productsKey, faqKey)
	if err != nil {
		l.logger.Warn("usecase: prompt context unavailable", "err", err)
		return PromptContext{}
	}
	l.cached = PromptContext{Products: vals[productsKey], FAQ: vals[faqKey]}
	l.cacheLoaded = true
	return l.cached
}

type staticContext PromptContext

func (s staticContext) Load(context.Context) PromptContext { return PromptContext(s) }

type recommendation struct {
	keywords []string
	text     string
}

var recommendations = []recommendation{
	{[]string{"ahorro", "guardar", "dinero", "futuro"}, "nuestra Cuenta de Ahorros con interés del 2% anual"},
	{[]string{"transacciones", "compras", "pagos", "diario"}, "nuestra Cuenta Corriente con chequera gratuita"},
	{[]string{"empresa", "negocio", "comercial", "trabajo"}, "nuestra Cuenta Empresarial con asesoría especializada"},
	{[]string{"prestamo", "préstamo", "credito", "crédito", "financiamiento"}, "nuestros Préstamos Personales, Hipotecarios y Vehiculares"},
	{[]string{"inversion", "inversión", "rendimiento", "ganar", "interes", "interés"}, "nuestros Certificados de Depósito y Fondos de Inversión"},
	{[]string{"seguro", "proteccion", "protección", "vida", "vehiculo", "vehículo"}, "nuestros Seguros de Vida y Vehículo"},
}

// productRecommendations returns a suggestion line for the needs detected in
// the user's message, or "" when none apply.
func productRecommendations(text string) string {
	lower := strings.ToLower(text)
	var picks []string
	for _, r := range recommendations {
		for _, k := range r.keywords {
			if strings.Contains(lower, k) {
				picks = append(picks, r.text)
				break
			}
		}
	}
	if len(picks) == 0 {
		return ""
	}
	return "Según la consulta, puedes sugerir " + strings.Join(picks, " y ") + "."
}

func buildSystemInstruction(pc PromptContext, summary, userText string) string {
	sections := []string{
		"Eres un asistente bancario. Eres amigable, profesional y experto en productos bancarios.",
	}
	if s := strings.TrimSpace(pc.Products); s != "" {
		sections = append(sections, "Productos:\n"+s)
	}
	if s := strings.TrimSpace(pc.FAQ); s != "" {
		sections = append(sections, "Preguntas frecuentes:\n"+s)
	}
	if s := strings.TrimSpace(summary); s != "" {
		sections = append(sections, "Conversación reciente:\n"+s)
	}
	sections = append(sections, behaviorRules(), toolInstructions())
	if rec := productRecommendations(userText); rec != "" {
		sections = append(sections, rec)
	}
	return strings.Join(sections, "\n\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"Instrucciones:",
		"- Responde en español de manera clara y útil.",
		"- Usa la información de productos proporcionada para dar respuestas precisas.",
		"- Si el usuario pregunta por un producto, indica requisitos, beneficios y tarifas.",
		"- Si no tienes la información, deriva al usuario a un representante.",
		"- Si es una consulta de apertura de cuenta, pide los datos del cliente.",
	}, "\n")
}

func toolInstructions() string {
	return strings.Join([]string{
		"Herramientas:",
		"- " + toolOpenAccount + ": crea una solicitud de apertura de cuenta en el CRM. " +
			"Argumentos: customer_name (obligatorio), document_id, birth_date, address, phone, email, account_type.",
		"Para usar una herramienta incluye en tu respuesta un único bloque con un arreglo JSON:",
		toolcall.OpenTag + `[{"name": "` + toolOpenAccount + `", "arguments": {"customer_name": "Ana Pérez", "email": "ana@example.com"}}]` + toolcall.CloseTag,
		"Usa la herramienta solo cuando tengas al menos el nombre del cliente. " +
			"Cuando recibas el resultado de la herramienta, responde al cliente sin incluir el bloque.",
	}, "\n")
}
