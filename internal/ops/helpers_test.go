package ops

import logx "remindbot/pkg/logx"

func nopLog() logx.Logger { return logx.Nop() }
