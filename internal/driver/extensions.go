package driver

import (
	"context"
	"fmt"

	"github.com/jward/codeintel/internal/protocol"
	"github.com/jward/codeintel/internal/runtime"
)

// Register adds a command handled by h. Built-in commands cannot be
// replaced; registering an extension name again replaces its handler.
func (d *Driver) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("driver: extension has no name")
	}
	if protocol.IsBuiltin(name) {
		return fmt.Errorf("Cannot replace built-in command %s", name)
	}
	d.extMu.Lock()
	defer d.extMu.Unlock()
	d.extensions[name] = h
	return nil
}

func (d *Driver) extension(name string) (Handler, bool) {
	d.extMu.RLock()
	defer d.extMu.RUnlock()
	h, ok := d.extensions[name]
	return h, ok
}

// LoadExtensions loads the scripts at path, a file or a directory, and
// registers a command for each. It returns the command names.
func (d *Driver) LoadExtensions(path string) ([]string, error) {
	exts, err := d.engine.LoadExtensions(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(exts))
	for _, x := range exts {
		if err := d.Register(x.Name, scriptHandler(x)); err != nil {
			return names, err
		}
		names = append(names, x.Name)
	}
	d.logger.Info("extensions loaded", "path", path, "commands", names)
	return names, nil
}

// scriptHandler runs x with the request payload and answers with the map
// the script returns.
func scriptHandler(x *runtime.Extension) Handler {
	return func(ctx context.Context, req protocol.Request, resp *Responder) error {
		var payload protocol.Message
		if ext, ok := req.(*protocol.Extension); ok {
			payload = ext.Payload
		}
		out, err := x.Run(ctx, payload)
		if err != nil {
			return Failf("%s: %s", x.Name, err)
		}
		resp.Success(out)
		return nil
	}
}
