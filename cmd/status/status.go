/*
 * Copyright 2024-2025 Raamsri Kumar <raam@tinkershack.in>
 * Copyright 2024-2025 The StrataSTOR Authors and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package status

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stratastor/zfsd/config"
	"github.com/stratastor/zfsd/pkg/lifecycle"
	"golang.org/x/sys/unix"
)

func NewStatusCmd() *cobra.Command {
	var dump bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check whether zfsd is running",
		Long: "Check whether zfsd is running. With --dump the daemon is asked to " +
			"log every open case file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidFile := config.GetConfig().PIDFile
			pid, err := lifecycle.ReadPID(pidFile)
			if err != nil || !lifecycle.ProcessAlive(pid) {
				fmt.Println("zfsd is not running")
				return nil
			}
			fmt.Printf("zfsd is running (PID: %d)\n", pid)

			if dump {
				if err := unix.Kill(pid, unix.SIGUSR1); err != nil {
					return fmt.Errorf("failed to request case dump: %w", err)
				}
				fmt.Println("Case dump requested; see the daemon log")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dump, "dump", false, "Ask the daemon to log its case files")
	return cmd
}
