package launch

import (
	"fmt"
	"os/exec"
	"runtime"
)

// OSInvoker hands the directive to the platform's default-handler
// mechanism, which routes it to whatever application registered the
// scheme. Start, not Run: the launched process outlives us.
type OSInvoker struct{}

func (OSInvoker) Invoke(directive string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", directive)
	case "darwin":
		cmd = exec.Command("open", directive)
	default:
		cmd = exec.Command("xdg-open", directive)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start handler: %w", err)
	}
	go cmd.Wait() //nolint:errcheck
	return nil
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(directive string) error

func (f InvokerFunc) Invoke(directive string) error { return f(directive) }
