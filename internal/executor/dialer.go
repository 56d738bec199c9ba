package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nullterra/agentvmd/internal/vm"
	"github.com/nullterra/agentvmd/internal/vsockproto"
)

// VsockDialer returns a Dialer that resolves a VM's guest agent address
// from the vsock CID recorded on it at provisioning time, then dials and
// connects a framed vsockproto.Protocol. port defaults to 9000 (see
// vsockproto.New) when 0.
func VsockDialer(port uint32, logger *slog.Logger) Dialer {
	return func(ctx context.Context, v *vm.VM) (Dispatcher, error) {
		cid := v.CID()
		if cid == 0 {
			return nil, fmt.Errorf("executor: vm %s has no vsock cid assigned", v.Name)
		}

		proto, err := vsockproto.New(cid, port, logger)
		if err != nil {
			return nil, fmt.Errorf("executor: build protocol for vm %s: %w", v.Name, err)
		}
		if err := proto.Dial(ctx); err != nil {
			return nil, fmt.Errorf("executor: dial vm %s (cid %d): %w", v.Name, cid, err)
		}
		return proto, nil
	}
}
