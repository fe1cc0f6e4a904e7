package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/edgelesssys/go-nitro-verify/verification/types"
)

func main() {
	if err := parseBlob(); err != nil {
		panic(err)
	}
}

func parseBlob() error {
	path := "attestation-document.dat"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	encoded, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	rawDocument, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return err
	}

	_, document, err := types.DecodeDocument(rawDocument)
	if err != nil {
		return err
	}

	prettyPrint, err := json.MarshalIndent(document, "", " ")
	if err != nil {
		return err
	}

	fmt.Println(string(prettyPrint))

	return nil
}
