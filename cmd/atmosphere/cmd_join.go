package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/shurlinet/atmosphere/internal/invite"
	"github.com/shurlinet/atmosphere/pkg/mesh"
)

// runJoin verifies an invite token offline (no network call, per
// spec.md section 3: "Verifiable offline against mesh_public_key") and
// records the mesh as a new SavedMesh, active by default.
func runJoin(args []string) {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	configFlag := fs.String("config", ".atmosphere/config.yaml", "path to node config file")
	meshName := fs.String("name", "", "local display name for this mesh (default: mesh id)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fatal("usage: atmosphere join <invite-token>")
	}

	nc, err := loadNodeContext(*configFlag)
	if err != nil {
		fatal("%v", err)
	}

	tokenBytes, err := invite.DecodeTokenURL(fs.Arg(0))
	if err != nil {
		fatal("%v", err)
	}
	var token mesh.InviteToken
	if err := mesh.UnmarshalCBOR(tokenBytes, &token); err != nil {
		fatal("decode invite token: %v", err)
	}
	if err := mesh.VerifyInvite(token, token.MeshPublicKey); err != nil {
		fatal("invite rejected: %v", err)
	}

	name := *meshName
	if name == "" {
		name = token.MeshId.String()
	}

	saved := mesh.SavedMesh{
		MeshId:        token.MeshId,
		MeshName:      name,
		MeshPublicKey: token.MeshPublicKey,
		FounderNodeId: token.IssuerNodeId,
		Endpoints:     token.Endpoints,
		JoinedAt:      time.Now().UTC(),
		AutoReconnect: true,
	}
	if err := nc.meshes.Put(saved); err != nil {
		fatal("save mesh: %v", err)
	}
	if err := nc.meshes.Activate(token.MeshId); err != nil {
		fatal("activate mesh: %v", err)
	}

	fmt.Printf("Joined mesh %q (%s) and set it active.\n", name, token.MeshId.String())
	fmt.Println("Run 'atmosphere serve' to connect.")
}
