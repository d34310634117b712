// Package sink exports completed submissions to an external dataset.
// The sink write happens before the unit is marked completed, so a
// failed export leaves the unit claimable by the same worker.
package sink

import (
	"context"
	"strconv"

	"github.com/corveehq/corvee/internal/taskstore"
)

// Sink receives the rows of a completed unit.
type Sink interface {
	// Append writes the submission's rows to the project dataset.
	Append(ctx context.Context, sub *taskstore.Submission) error
	// Close releases sink resources.
	Close() error
}

// columns is the exported column order, shared by all sink drivers.
var columns = []string{
	"project",
	"machine",
	"page",
	"username",
	"machine_id",
	"circuit_name",
	"area",
	"device_pos",
	"voltage",
	"phase_wire",
	"power",
	"max_current",
	"run_current",
	"machine_switch",
	"factory_switch",
	"remark",
}

func rowValues(sub *taskstore.Submission, r taskstore.Row) []string {
	return []string{
		sub.Key.Project,
		sub.Key.Machine,
		strconv.Itoa(sub.Key.Page),
		sub.Username,
		r.MachineID,
		r.CircuitName,
		r.Area,
		r.DevicePos,
		r.Voltage,
		r.PhaseWire,
		r.Power,
		r.MaxCurrent,
		r.RunCurrent,
		r.MachineSwitch,
		r.FactorySwitch,
		r.Remark,
	}
}
