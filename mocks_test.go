package handoff

import "context"

type mockOS struct {
	pid  int
	dead []int
	// onCheck, if set, is called with every pid looked up.
	onCheck func(pid int)
}

func (m mockOS) Getpid() int {
	return m.pid
}

func (m mockOS) PidAlive(ctx context.Context, pid int) bool {
	if m.onCheck != nil {
		m.onCheck(pid)
	}
	for _, d := range m.dead {
		if d == pid {
			return false
		}
	}
	return true
}
