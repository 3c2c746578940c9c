package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	kitlog "github.com/go-kit/kit/log"

	"github.com/openlawlibrary/taf-go/gitstore"
	"github.com/openlawlibrary/taf-go/keys"
	"github.com/openlawlibrary/taf-go/tuf"
	"github.com/openlawlibrary/taf-go/updater"
)

func main() {
	var (
		flRepo     = flag.String("repo", "./auth-repo", "path of the authentication repository")
		flKeystore = flag.String("keystore", "./keystore", "directory holding role keys")
		flCreate   = flag.Bool("create", false, "initialize a new authentication repository")
		flAdd      = flag.String("add-target", "", "register a target file, e.g. -add-target a/b.txt=hello")
		flValidate = flag.String("validate", "", "validate the repository against the given remote url")
	)
	flag.Parse()

	logger := kitlog.NewLogfmtLogger(os.Stderr)

	switch {
	case *flCreate:
		if err := create(*flRepo, *flKeystore, logger); err != nil {
			log.Fatal(err)
		}
	case *flAdd != "":
		if err := addTarget(*flRepo, *flKeystore, *flAdd, logger); err != nil {
			log.Fatal(err)
		}
	case *flValidate != "":
		result, err := updater.Update(&updater.Config{
			RepoPath:  *flRepo,
			RemoteURL: *flValidate,
			Logger:    logger,
		})
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("validated %d commits, head %s\n", result.ValidatedCommits, result.Head)
	default:
		flag.Usage()
	}
}

func create(repoPath, keystore string, logger kitlog.Logger) error {
	if err := os.MkdirAll(keystore, 0700); err != nil {
		return err
	}
	signers := map[string][]tuf.Signer{}
	for _, role := range tuf.TopLevelRoles {
		keyPath := filepath.Join(keystore, role)
		if _, err := os.Stat(keyPath); os.IsNotExist(err) {
			if _, err := keys.GenerateAndWriteKeypair(keyPath, keys.DefaultKeySize, ""); err != nil {
				return err
			}
		}
		signer, err := keys.LoadSigner(keyPath, "")
		if err != nil {
			return err
		}
		signers[role] = []tuf.Signer{signer}
	}

	repo := tuf.NewRepository(repoPath, tuf.WithLogger(logger))
	rolesKeys := &tuf.RolesKeysData{
		Root:      tuf.RoleKeysConfig{Number: 1, Threshold: 1},
		Targets:   tuf.TargetsRoleConfig{RoleKeysConfig: tuf.RoleKeysConfig{Number: 1, Threshold: 1}},
		Snapshot:  tuf.RoleKeysConfig{Number: 1, Threshold: 1},
		Timestamp: tuf.RoleKeysConfig{Number: 1, Threshold: 1},
	}
	if err := repo.Create(rolesKeys, signers); err != nil {
		return err
	}

	store, err := gitstore.Init(repoPath)
	if err != nil {
		return err
	}
	commit, err := store.Commit("initial metadata", nil)
	if err != nil {
		return err
	}
	fmt.Printf("created authentication repository at %s (%s)\n", repoPath, commit)
	return nil
}

func addTarget(repoPath, keystore, spec string, logger kitlog.Logger) error {
	path, content, ok := splitSpec(spec)
	if !ok {
		return fmt.Errorf("expected -add-target path=content, got %q", spec)
	}
	repo := tuf.NewRepository(repoPath, tuf.WithLogger(logger))
	signers := map[string][]tuf.Signer{}
	for _, role := range tuf.TopLevelRoles {
		signer, err := keys.LoadSigner(filepath.Join(keystore, role), "")
		if err != nil {
			return err
		}
		signers[role] = []tuf.Signer{signer}
	}
	repo.LoadSigners(signers)
	defer repo.ClearSigners()

	if err := repo.AddTargetFiles(map[string]tuf.TargetData{
		path: {Target: []byte(content)},
	}); err != nil {
		return err
	}
	store, err := gitstore.Open(repoPath)
	if err != nil {
		return err
	}
	commit, err := store.Commit(fmt.Sprintf("add target %s", path), nil)
	if err != nil {
		return err
	}
	fmt.Printf("registered %s (%s)\n", path, commit)
	return nil
}

func splitSpec(spec string) (path, content string, ok bool) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == '=' {
			return spec[:i], spec[i+1:], true
		}
	}
	return "", "", false
}
