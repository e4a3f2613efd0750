package signal

import (
	"context"

	"github.com/dkeye/Meet/internal/core"
)

func (ctl *SignalWSController) handlePing(_ context.Context, sid core.SessionID, c *WsSignalConn, msg *inMessage) error {
	ctl.reply(sid, c, msg, core.EventPong, nil)
	return nil
}
