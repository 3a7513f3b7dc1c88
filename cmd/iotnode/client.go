package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"iotquery/internal/node"
)

var (
	clientAddr      string
	clientDevice    string
	clientValue     float64
	clientRequestID int64
)

var queryCmd = &cobra.Command{
	Use:     "query",
	Short:   "Query the temperature of every device in a node's group",
	Example: `  iotnode query --addr 127.0.0.1:50051`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGroupClient(cmd, func(ctx context.Context, c *node.GroupClient) (*structpb.Struct, error) {
			return c.QueryAllTemperatures(ctx, node.QueryRequestToProto(clientRequestID))
		})
	},
}

var registerCmd = &cobra.Command{
	Use:     "register",
	Short:   "Start a device on a node",
	Example: `  iotnode register --addr 127.0.0.1:50051 --device d3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGroupClient(cmd, func(ctx context.Context, c *node.GroupClient) (*structpb.Struct, error) {
			return c.RegisterDevice(ctx, node.DeviceRequestToProto(clientDevice))
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the devices of a node's group",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGroupClient(cmd, func(ctx context.Context, c *node.GroupClient) (*structpb.Struct, error) {
			return c.ListDevices(ctx, &structpb.Struct{})
		})
	},
}

var recordCmd = &cobra.Command{
	Use:     "record",
	Short:   "Record a temperature on a device hosted by a node",
	Example: `  iotnode record --addr 127.0.0.1:50051 --device d1 --value 21.5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		clients := node.NewClientManager()
		defer clients.Close()

		c, err := clients.Device(clientAddr)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
		defer cancel()

		out, err := c.RecordTemperature(ctx, node.RecordRequestToProto(clientDevice, clientRequestID, clientValue))
		if err != nil {
			return fmt.Errorf("record %s: %w", clientDevice, err)
		}
		return printMessage(cmd, out)
	},
}

func init() {
	for _, c := range []*cobra.Command{queryCmd, registerCmd, listCmd, recordCmd} {
		rootCmd.AddCommand(c)
		c.Flags().StringVar(&clientAddr, "addr", "127.0.0.1:50051", "node gRPC address")
	}
	queryCmd.Flags().Int64Var(&clientRequestID, "request-id", 0, "request id (0 lets the node pick)")
	recordCmd.Flags().Int64Var(&clientRequestID, "request-id", 0, "request id of the write")

	registerCmd.Flags().StringVar(&clientDevice, "device", "", "device id")
	recordCmd.Flags().StringVar(&clientDevice, "device", "", "device id")
	recordCmd.Flags().Float64Var(&clientValue, "value", 0, "temperature")
	_ = registerCmd.MarkFlagRequired("device")
	_ = recordCmd.MarkFlagRequired("device")
	_ = recordCmd.MarkFlagRequired("value")
}

func withGroupClient(cmd *cobra.Command, call func(context.Context, *node.GroupClient) (*structpb.Struct, error)) error {
	clients := node.NewClientManager()
	defer clients.Close()

	c, err := clients.Group(clientAddr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()

	out, err := call(ctx, c)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	return printMessage(cmd, out)
}
