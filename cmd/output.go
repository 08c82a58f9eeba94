package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/processor"
)

// printOutput writes v as yaml, or as a single json line when --json is set.
func printOutput(cmd *cobra.Command, v any) error {
	jsn, _ := cmd.Flags().GetBool(flagJSON)

	var (
		bz  []byte
		err error
	)
	if jsn {
		bz, err = json.Marshal(v)
	} else {
		bz, err = yaml.Marshal(v)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(bz))
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func heightStrings(heights []ismp.StateMachineHeight) []string {
	out := make([]string, 0, len(heights))
	for _, h := range heights {
		out = append(out, h.String())
	}
	return out
}

type createOutput struct {
	ConsensusStateID string   `json:"consensus_state_id" yaml:"consensus_state_id"`
	Commitments      []string `json:"commitments" yaml:"commitments"`
}

type skippedOutput struct {
	Item   string `json:"item" yaml:"item"`
	Reason string `json:"reason" yaml:"reason"`
}

type updateOutput struct {
	ConsensusStateID string          `json:"consensus_state_id" yaml:"consensus_state_id"`
	Accepted         []string        `json:"accepted,omitempty" yaml:"accepted,omitempty"`
	Skipped          []skippedOutput `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Redelivered      bool            `json:"redelivered,omitempty" yaml:"redelivered,omitempty"`
	Error            string          `json:"error,omitempty" yaml:"error,omitempty"`
	ErrorClass       string          `json:"error_class,omitempty" yaml:"error_class,omitempty"`
}

func newUpdateOutput(r processor.Result) updateOutput {
	out := updateOutput{ConsensusStateID: r.Message.ConsensusStateID.String()}
	if r.Err != nil {
		out.Error = r.Err.Error()
		out.ErrorClass = ismp.ErrorClass(r.Err)
		return out
	}
	out.Accepted = heightStrings(r.Event.Accepted)
	for _, s := range r.Event.Skipped {
		out.Skipped = append(out.Skipped, skippedOutput{Item: s.Height.String(), Reason: errString(s.Reason)})
	}
	out.Redelivered = r.Event.Redelivered
	return out
}

type getResponseOutput struct {
	Request string            `json:"request" yaml:"request"`
	Values  map[string]string `json:"values" yaml:"values"`
}

type requestsOutput struct {
	Delivered    []string            `json:"delivered" yaml:"delivered"`
	Skipped      []skippedOutput     `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	GetResponses []getResponseOutput `json:"get_responses,omitempty" yaml:"get_responses,omitempty"`
}

func newRequestsOutput(r *ismp.RequestsHandled) requestsOutput {
	out := requestsOutput{Delivered: make([]string, 0, len(r.Delivered))}
	for _, c := range r.Delivered {
		out.Delivered = append(out.Delivered, c.Hex())
	}
	for _, s := range r.Skipped {
		out.Skipped = append(out.Skipped, skippedOutput{Item: s.Commitment.Hex(), Reason: errString(s.Reason)})
	}
	for _, g := range r.GetResponses {
		values := make(map[string]string, len(g.Values))
		for k, v := range g.Values {
			values[hexutil.Encode([]byte(k))] = hexutil.Encode(v)
		}
		out.GetResponses = append(out.GetResponses, getResponseOutput{Request: g.Get.Commitment().Hex(), Values: values})
	}
	return out
}
