package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"drillcontrol/internal/config"
	"drillcontrol/internal/ipc"
	"drillcontrol/pkg/types"
)

var (
	ipcAddress     string
	ipcPort        int
	planPath       string
	requestID      string
	acceptPreempt  bool
	requestTimeout time.Duration
	watchDuration  time.Duration
	answerPrompts  string
)

var sendCmd = &cobra.Command{
	Use:   "send [command]",
	Short: "Send one command to a running instance",
	Long: `Sends a command and prints the response. Commands: load_plan, start, pause,
resume, abort, emergency_stop, status, list_presets, confirm_preempt.`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow task and arbiter events",
	Long:  `Prints task and arbiter events as they are broadcast. Preemption prompts are printed, or answered automatically with --answer accept|decline.`,
	RunE:  runWatch,
}

func init() {
	for _, cmd := range []*cobra.Command{sendCmd, watchCmd} {
		cmd.Flags().StringVar(&ipcAddress, "address", "", "IPC server address (default from config)")
		cmd.Flags().IntVar(&ipcPort, "port", 0, "IPC server port (default from config)")
	}
	sendCmd.Flags().StringVar(&planPath, "plan", "", "Plan file for load_plan")
	sendCmd.Flags().StringVar(&requestID, "request-id", "", "Prompt id for confirm_preempt")
	sendCmd.Flags().BoolVar(&acceptPreempt, "accept", false, "Accept the preemption for confirm_preempt")
	sendCmd.Flags().DurationVar(&requestTimeout, "timeout", 10*time.Second, "Response timeout")
	watchCmd.Flags().DurationVar(&watchDuration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	watchCmd.Flags().StringVar(&answerPrompts, "answer", "", "Answer preemption prompts automatically: accept or decline")
}

// ipcConfig 读取配置文件中的 IPC 段，命令行参数优先
func ipcConfig() types.IPCConfig {
	cfg := config.DefaultConfig().IPC
	cm := config.NewConfigManager(configPath)
	if err := cm.LoadConfig(""); err == nil {
		cfg = cm.GetConfig().IPC
	}
	if ipcAddress != "" {
		cfg.Address = ipcAddress
	}
	if ipcPort != 0 {
		cfg.Port = ipcPort
	}
	return cfg
}

func dial() (*ipc.IPCClient, error) {
	client := ipc.NewIPCClient(ipcConfig(), fmt.Sprintf("drillctl-%d", os.Getpid()))
	if err := client.Connect(); err != nil {
		return nil, err
	}
	return client, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	msgType := args[0]
	data := make(map[string]interface{})

	switch msgType {
	case ipc.MsgLoadPlan:
		if planPath == "" {
			return errors.New("load_plan requires --plan")
		}
		// 服务端按路径读取，转为绝对路径
		abs, err := filepath.Abs(planPath)
		if err != nil {
			return err
		}
		data["path"] = abs
	case ipc.MsgConfirmPreempt:
		if requestID == "" {
			return errors.New("confirm_preempt requires --request-id")
		}
		data["request_id"] = requestID
		data["accept"] = acceptPreempt
	}

	client, err := dial()
	if err != nil {
		return err
	}
	defer client.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := client.Request(ctx, msgType, data)
	if err != nil {
		return err
	}
	if result, ok := resp.Data["result"]; ok {
		return printJSON(result)
	}
	fmt.Println("ok")
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	switch answerPrompts {
	case "", "accept", "decline":
	default:
		return fmt.Errorf("--answer must be accept or decline, got %q", answerPrompts)
	}

	client, err := dial()
	if err != nil {
		return err
	}
	defer client.Disconnect()

	client.RegisterHandler(ipc.MsgTaskEvent, func(m types.IPCMessage) {
		ev, _ := m.Data["event"].(map[string]interface{})
		fmt.Printf("%s task    %-16v state=%-9v step=%v progress=%.1f%% %v\n",
			m.Timestamp.Format("15:04:05.000"), ev["kind"], ev["state"], ev["stepIndex"], number(ev["progress"]), ev["message"])
	})
	client.RegisterHandler(ipc.MsgArbiterEvent, func(m types.IPCMessage) {
		ev, _ := m.Data["event"].(map[string]interface{})
		fmt.Printf("%s motion  %-16v source=%v previous=%v %v\n",
			m.Timestamp.Format("15:04:05.000"), ev["kind"], ev["source"], ev["previous"], ev["description"])
	})
	client.RegisterHandler(ipc.MsgPreemptRequest, func(m types.IPCMessage) {
		id, _ := m.Data["request_id"].(string)
		conflict, _ := m.Data["conflict"].(map[string]interface{})
		fmt.Printf("preemption requested: %v (%v) wants motion held by %v (%v), request id %s, timeout %v\n",
			conflict["requester"], conflict["requesterDescription"], conflict["holder"], conflict["holderDescription"], id, m.Data["timeout"])
		if answerPrompts == "" {
			return
		}
		// 不能阻塞接收协程
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			accept := answerPrompts == "accept"
			if _, err := client.Request(ctx, ipc.MsgConfirmPreempt, map[string]interface{}{"request_id": id, "accept": accept}); err != nil {
				fmt.Fprintf(os.Stderr, "answer %s: %v\n", id, err)
				return
			}
			fmt.Printf("answered %s accept=%v\n", id, accept)
		}()
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var timeout <-chan time.Time
	if watchDuration > 0 {
		timeout = time.After(watchDuration)
	}

	for {
		select {
		case <-sigChan:
			return nil
		case <-timeout:
			return nil
		case m := <-client.Receive():
			fmt.Printf("%s %s %v\n", m.Timestamp.Format("15:04:05.000"), m.Type, m.Data)
		case <-time.After(time.Second):
			if !client.IsConnected() {
				return errors.New("connection to server lost")
			}
		}
	}
}

func number(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
