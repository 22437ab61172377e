package supervisor

import (
	"fmt"

	"github.com/nofx-labs/futuresupervisor/kernel"
	"github.com/nofx-labs/futuresupervisor/oracle"
)

// KernelType names one of the concrete strategy kernels a strategy
// definition's config selects via the "kernelType" field.
type KernelType string

const (
	KernelMartingale    KernelType = "martingale"
	KernelDCA           KernelType = "dca"
	KernelGrid          KernelType = "grid"
	KernelTrend         KernelType = "trend"
	KernelMeanReversion KernelType = "mean_reversion"
	KernelML            KernelType = "ml"
	KernelLLM           KernelType = "llm"
)

// KernelRegistry builds a fresh Kernel instance for a strategy run,
// given the kernel type it was configured with. A new instance is
// built per run so no state leaks between a stopped run and its
// eventual restart.
type KernelRegistry struct {
	aiClient oracle.AIClient
}

// NewKernelRegistry builds a registry. aiClient backs the llm kernel;
// it may be nil if no strategy in this process uses it.
func NewKernelRegistry(aiClient oracle.AIClient) *KernelRegistry {
	return &KernelRegistry{aiClient: aiClient}
}

// Build returns a new Kernel for kt, or an error if kt is unknown or
// (for the llm kernel) no AI client was configured.
func (r *KernelRegistry) Build(kt KernelType) (kernel.Kernel, error) {
	switch kt {
	case KernelMartingale:
		return kernel.NewMartingale(), nil
	case KernelDCA:
		return kernel.NewDCA(), nil
	case KernelGrid:
		return kernel.NewGrid(), nil
	case KernelTrend:
		return kernel.NewTrendFollowing(), nil
	case KernelMeanReversion:
		return kernel.NewMeanReversion(), nil
	case KernelML:
		return kernel.NewMLClassifier(), nil
	case KernelLLM:
		if r.aiClient == nil {
			return nil, fmt.Errorf("supervisor: llm kernel requires an AI client")
		}
		return kernel.NewLLMSignal(oracle.NewLLMPredictor(r.aiClient)), nil
	default:
		return nil, fmt.Errorf("supervisor: unknown kernel type %q", kt)
	}
}
