package format

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/orrn/labsync/internal/config"
	"github.com/orrn/labsync/internal/model"
)

const (
	defaultTCPPort          = 9100
	defaultReadWriteTimeout = 10 * time.Second

	pjlEscape = "\x1b%-12345X"
)

var ErrPrinterOffline = errors.New("printer is offline")

// Raw streams each image to a printer on its raw TCP port, wrapped in a PJL
// header carrying the copy count. The printer accepts the job synchronously,
// so a delivered job is complete. Copies of a line count as delivered once
// all of its images went out.
type Raw struct {
	Timeout time.Duration
}

func (r *Raw) Name() string { return "raw" }

func (r *Raw) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return defaultReadWriteTimeout
}

func address(q config.QueueConfig) string {
	if _, _, err := net.SplitHostPort(q.Address); err == nil {
		return q.Address
	}
	return net.JoinHostPort(q.Address, strconv.Itoa(defaultTCPPort))
}

func (r *Raw) Format(ctx context.Context, job *model.Job, order *model.Order, q config.QueueConfig) error {
	lines, err := Lines(job, order, q)
	if err != nil {
		return err
	}
	if q.Address == "" {
		return fmt.Errorf("queue %s has no printer address", q.ID)
	}

	d := net.Dialer{Timeout: r.timeout()}
	conn, err := d.DialContext(ctx, "tcp", address(q))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrPrinterOffline, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	var sent []string
	for _, line := range lines {
		for _, path := range line.Paths {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.send(conn, path, line.Quantity); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
			sent = append(sent, path)
		}
		job.Refs[line.Ref].DoneQuantity += line.Quantity
	}

	job.Dir = ""
	job.Files = sent
	job.Property = address(q)
	return nil
}

func (r *Raw) send(conn net.Conn, path string, copies int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	_ = conn.SetDeadline(time.Now().Add(r.timeout()))
	header := fmt.Sprintf("%s@PJL SET COPIES=%d\r\n@PJL ENTER LANGUAGE=AUTO\r\n", pjlEscape, max(copies, 1))
	if _, err := io.WriteString(conn, header); err != nil {
		return fmt.Errorf("failed to send header: %w", err)
	}
	if _, err := io.Copy(conn, f); err != nil {
		return fmt.Errorf("failed to send %s: %w", path, err)
	}
	if _, err := io.WriteString(conn, pjlEscape); err != nil {
		return fmt.Errorf("failed to send trailer: %w", err)
	}
	return nil
}

func (r *Raw) IsComplete(job *model.Job, _ config.QueueConfig) (bool, error) {
	return job.Status >= model.JobSent, nil
}

func (r *Raw) MakeComplete(*model.Job, config.QueueConfig) error {
	return nil
}
