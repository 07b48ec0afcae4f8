package main

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zombar/coldstore/internal/config"
	"github.com/zombar/coldstore/internal/svc"
)

var (
	serviceName  string
	serviceUser  string
	serviceForce bool
	logLines     int
	logFollow    bool
)

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage coldstore as a system service",
	}
	cmd.PersistentFlags().StringVar(&serviceName, "name", "coldstore", "service name")

	install := &cobra.Command{
		Use:   "install",
		Short: "Install the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			// The service manager does not share our working directory.
			path := cfgFile
			if path == "" {
				path = config.DefaultPath
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("resolve config path: %w", err)
			}
			if _, err := config.Load(abs); err != nil {
				return err
			}
			mgr, err := serviceManager(abs)
			if err != nil {
				return err
			}
			if err := mgr.Install(serviceForce); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service %q installed. Start it with: coldstore service start\n", serviceName)
			return nil
		},
	}
	install.Flags().StringVar(&serviceUser, "user", "", "user to run the service as (linux and macOS)")
	install.Flags().BoolVar(&serviceForce, "force", false, "replace an existing installation")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			mgr, err := serviceManager(cfgFile)
			if err != nil {
				return err
			}
			return mgr.Uninstall()
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether the service is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := serviceManager(cfgFile)
			if err != nil {
				return err
			}
			s, err := mgr.Status()
			if err != nil {
				log.Debug().Err(err).Msg("service status")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", serviceName, s)
			return nil
		},
	}

	logs := &cobra.Command{
		Use:   "logs",
		Short: "Show service logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.ViewLogs(svc.LogOptions{ServiceName: serviceName, Follow: logFollow, Lines: logLines})
		},
	}
	logs.Flags().IntVarP(&logLines, "lines", "n", 50, "number of lines to show")
	logs.Flags().BoolVarP(&logFollow, "follow", "f", false, "follow the log")

	cmd.AddCommand(install, uninstall, status, logs)
	for _, action := range []string{"start", "stop", "restart"} {
		cmd.AddCommand(controlCmd(action))
	}
	return cmd
}

func controlCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: fmt.Sprintf("%s the service", action),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			mgr, err := serviceManager(cfgFile)
			if err != nil {
				return err
			}
			return mgr.Control(action)
		},
	}
}

func serviceManager(configPath string) (*svc.Manager, error) {
	if configPath == "" {
		configPath = config.DefaultPath
	}
	cfg := svc.DefaultConfig(configPath)
	cfg.Name = serviceName
	cfg.UserName = serviceUser
	cfg.Logger = log.Logger
	return svc.New(cfg, nil)
}
