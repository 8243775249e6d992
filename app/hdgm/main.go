// Command hdgm trains and runs the semi-supervised hybrid discriminative /
// generative model.
package main

import (
	goflag "flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	defer klog.Flush()

	root := newRootCommand()
	if err := root.Execute(); err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "hdgm",
		Short:         "Semi-supervised hybrid discriminative/generative model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.AddCommand(
		newTrainCommand(),
		newEvalCommand(),
		newSampleCommand(),
		newSummaryCommand(),
	)
	return root
}
