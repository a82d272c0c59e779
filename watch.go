package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Heliodex/cocraft/computer"
	"github.com/syncthing/notify"
)

// settle is how long a program must stay unchanged before its computer
// reboots, so one save doesn't reboot it several times.
const settle = 100 * time.Millisecond

// watchTarget is what to watch for a program path: directories recursively,
// files through their directory.
func watchTarget(path string) string {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return filepath.Join(path, "...")
	}
	return filepath.Dir(path)
}

// relevant reports whether changed is program or lies inside it.
func relevant(program, changed string) bool {
	rel, err := filepath.Rel(program, changed)
	return err == nil && !strings.HasPrefix(rel, "..")
}

// watchProgram reboots computer id whenever its program changes, until ctx
// is done.
func watchProgram(ctx context.Context, sched *computer.Scheduler, id int, path string) {
	// Buffered so no event is dropped while a reboot is under way.
	c := make(chan notify.EventInfo, 1)
	if err := notify.Watch(watchTarget(path), c, notify.Write, notify.Create, notify.Rename, notify.Remove); err != nil {
		log.Errorf("failed to watch %s: %v", path, err)
		return
	}
	defer notify.Stop(c)
	log.Infof("watching %s for computer %d", path, id)

	var timer *time.Timer
	timeout := func() <-chan time.Time {
		if timer != nil {
			return timer.C
		}
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ei := <-c:
			if !relevant(path, ei.Path()) && !relevant(path+".lua", ei.Path()) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(settle)
		case <-timeout():
			timer = nil
			cc := sched.Get(id)
			if cc == nil {
				return
			}
			log.Noticef("program of computer %d changed, rebooting", id)
			cc.Reboot()
		}
	}
}
