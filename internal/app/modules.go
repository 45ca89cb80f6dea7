package app

import (
	"github.com/specialistvlad/modgrid/internal/registry"
	"github.com/specialistvlad/modgrid/modules/auth"
	"github.com/specialistvlad/modgrid/modules/metrics"
	"github.com/specialistvlad/modgrid/modules/notify"
)

// coreModules is the definitive list of all modules that are compiled into
// the modgrid binary. Their dependencies are registered with them.
var coreModules = []registry.Dependency{
	metrics.Module,
	auth.Module,
	notify.Module,
}
