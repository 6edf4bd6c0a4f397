package workflow

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

type ApprovalRequest struct {
	ResizeID   string
	InstanceID string
	Region     string
	FromType   string
	ToType     string
	Requester  string
	Summary    string
}

type Approval struct {
	Approved bool
	Approver string
}

// Approver is the manual gate between the safety checks and the resize.
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) (Approval, error)
}

// AutoApprover approves everything. It backs --yes.
type AutoApprover struct {
	Approver string
}

func (a AutoApprover) Approve(ctx context.Context, req ApprovalRequest) (Approval, error) {
	approver := a.Approver
	if approver == "" {
		approver = "auto"
	}
	return Approval{Approved: true, Approver: approver}, nil
}

// PromptApprover asks on a terminal. Only "y" or "yes" approves. When ctx
// ends first, In is closed if it is an io.Closer so the pending read returns.
type PromptApprover struct {
	In       io.Reader
	Out      io.Writer
	Approver string
}

func (p PromptApprover) Approve(ctx context.Context, req ApprovalRequest) (Approval, error) {
	fmt.Fprintf(p.Out, "\nResize %s (%s)\n", req.InstanceID, req.Region)
	fmt.Fprintf(p.Out, "  %s -> %s\n", req.FromType, req.ToType)
	if req.Summary != "" {
		fmt.Fprintf(p.Out, "  %s\n", req.Summary)
	}
	fmt.Fprintf(p.Out, "The instance will be stopped and restarted. Proceed? [y/N]: ")

	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(p.In).ReadString('\n')
		answer <- line
	}()

	var line string
	select {
	case <-ctx.Done():
		if closer, ok := p.In.(io.Closer); ok {
			_ = closer.Close()
		}
		return Approval{}, ctx.Err()
	case line = <-answer:
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return Approval{Approved: true, Approver: p.Approver}, nil
	default:
		return Approval{Approver: p.Approver}, nil
	}
}
