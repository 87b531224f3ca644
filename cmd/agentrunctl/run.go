package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/recera/agentrun/conversation"
	"github.com/recera/agentrun/events"
	"github.com/recera/agentrun/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run [message]",
	Short: "Run the demo pipeline once against a single input and print its result",
	Args:  cobra.ExactArgs(1),
	RunE:  runOnce,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	p, err := buildDemoPipeline()
	if err != nil {
		return err
	}

	ch := events.NewChannel(64)
	sub := ch.Subscribe(nil)
	defer sub.Close()

	conv := conversation.New(8000, nil)
	pctx := pipeline.NewContext("", conv, ch)

	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		for e := range sub.Events() {
			fmt.Printf("[%s] %s\n", e.Type, e.StepName)
		}
	}()

	res := p.Execute(cmd.Context(), pctx, args[0])
	ch.Close()
	<-printerDone

	if res.HasError() {
		return fmt.Errorf("pipeline error: %s", res.ErrMessage())
	}
	fmt.Println(res.Value())
	return nil
}
