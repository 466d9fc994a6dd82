package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	transportcache "github.com/always-cache/transport-cache"
	cachekey "github.com/always-cache/transport-cache/pkg/cache-key"
)

var headersFlag bool

func init() {
	getCmd.Flags().BoolVarP(&headersFlag, "include", "i", false, "Include response headers in the output")
}

var getCmd = &cobra.Command{
	Use:   "get <url>",
	Short: "Fetch a URL through the cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		tc, err := config.transportConfig()
		if err != nil {
			return err
		}
		tc.Logger = &log.Logger
		defer tc.Cache.Close()

		res, err := transportcache.New(tc).Client().Get(args[0])
		if err != nil {
			return err
		}
		defer res.Body.Close()

		if headersFlag {
			fmt.Fprintf(os.Stdout, "%s %s\n", res.Proto, res.Status)
			if err := res.Header.Write(os.Stdout); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout)
		}
		if _, err := io.Copy(os.Stdout, res.Body); err != nil {
			return err
		}
		if res.StatusCode >= 400 {
			return fmt.Errorf("%s", res.Status)
		}
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <url>...",
	Short: "Remove the cached entries for the given URLs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		provider, err := config.provider()
		if err != nil {
			return err
		}
		defer provider.Close()

		keyer := cachekey.NewKeyer(config.Namespace)
		var failed bool
		for _, uri := range args {
			for _, method := range []string{"GET", "HEAD"} {
				if err := provider.Delete(cmd.Context(), keyer.Base(method, uri)); err != nil {
					log.Error().Err(err).Str("url", uri).Msg("Could not purge entry")
					failed = true
				}
			}
		}
		if failed {
			return errors.New("some entries could not be purged")
		}
		fmt.Fprintln(os.Stdout, "Purged.")
		return nil
	},
}
