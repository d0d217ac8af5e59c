package usecase

import (
	"context"
	"strings"

	"banking-agent/internal/domain"
)

const greetingReply = "¡Hola! Soy tu asistente bancario. Puedo ayudarte con información sobre productos, apertura de cuentas, o conectarte con un representante. ¿En qué puedo ayudarte?"

type keywordReply struct {
	keywords []string
	reply    string
}

var keywordReplies = []keywordReply{
	{[]string{"saldo", "balance"}, "Para consultar tu saldo, necesitas acceder a tu banca en línea o contactar a un representante."},
	{[]string{"transferencia", "transfer"}, "Para realizar transferencias, puedes usar tu banca en línea o visitar una sucursal."},
	{[]string{"tarjeta", "card"}, "Tenemos diferentes tipos de tarjetas disponibles. ¿Te interesa una tarjeta de débito o crédito?"},
	{[]string{"prestamo", "préstamo", "loan"}, "Ofrecemos varios tipos de préstamos. Un representante puede ayudarte a encontrar la mejor opción para ti."},
}

// fallbackReply answers from a fixed keyword table when no model output is
// available.
func fallbackReply(text string) string {
	lower := strings.ToLower(text)
	for _, kr := range keywordReplies {
		for _, k := range kr.keywords {
			if strings.Contains(lower, k) {
				return kr.reply
			}
		}
	}
	return greetingReply
}

// StaticCompleter is a completion service that never leaves the process. It
// answers the last user message from the keyword table.
type StaticCompleter struct{}

func (StaticCompleter) Complete(_ context.Context, req domain.CompletionRequest) (string, error) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			return fallbackReply(req.Messages[i].Content), nil
		}
	}
	return greetingReply, nil
}
