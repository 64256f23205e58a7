package tdcstream

type Logger interface {
	Info(message string, module string)
	Error(string)
}

// discardLogger is installed when the manager is built without a logger.
type discardLogger struct{}

func (discardLogger) Info(string, string) {}
func (discardLogger) Error(string)        {}
