package relaydto

// Error codes carried by the error event.
const (
	CodeSessionNotFound         = "SessionNotFound"
	CodeNotYourTurn             = "NotYourTurn"
	CodeIllegalMove             = "IllegalMove"
	CodeValidationEngineFailure = "ValidationEngineFailure"
	CodeNotParticipant          = "NotParticipant"
	CodeAlreadyInSession        = "AlreadyInSession"
	CodeBadRequest              = "BadRequest"
	CodeRelayFailure            = "RelayFailure"
)

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ErrorPayload) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "relay error"
}
