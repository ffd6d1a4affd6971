package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/fablepress/storyforge/internal/model"
	"github.com/fablepress/storyforge/internal/prompt"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run a single generation call",
	Long:  "Routes one generation call through the flag gate, provider adapter, and retry loop, then prints the resulting asset reference.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		activityName, _ := cmd.Flags().GetString("activity")
		userID, _ := cmd.Flags().GetString("user")
		promptText, _ := cmd.Flags().GetString("prompt")
		pageText, _ := cmd.Flags().GetString("page-text")
		storyID, _ := cmd.Flags().GetString("story")
		characterID, _ := cmd.Flags().GetString("character")
		pageID, _ := cmd.Flags().GetString("page")

		activity := model.Activity(activityName)
		if !activity.Valid() {
			return eris.Errorf("unknown activity: %s", activityName)
		}
		if promptText == "" && pageText == "" {
			return eris.New("one of --prompt or --page-text is required")
		}

		env, err := initApp(ctx, "generate")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := checkWizardReady(ctx, env.Store, activity, storyID); err != nil {
			return err
		}

		// --page-text asks the prompt builder to write the illustration
		// prompt from the page's narrative.
		if promptText == "" {
			if env.Prompt == nil {
				return eris.New("--page-text requires anthropic to be configured")
			}
			input := prompt.Input{PageText: pageText}
			if storyID != "" {
				story, err := env.Store.GetStory(ctx, storyID)
				if err != nil {
					return eris.Wrap(err, "load story")
				}
				input.StoryTitle = story.Title
				chars, err := env.Store.ListCharacters(ctx, storyID)
				if err != nil {
					return eris.Wrap(err, "list characters")
				}
				for _, ch := range chars {
					input.Characters = append(input.Characters, prompt.CharacterRef{
						Name:        ch.Name,
						Description: ch.Description,
					})
				}
			}
			promptText, err = env.Prompt.Build(ctx, input)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "built prompt: %s\n", promptText)
		}

		result, err := env.Orchestrator.Generate(ctx, model.GenerationRequest{
			Activity: activity,
			Stage:    model.StageFor(activity),
			UserID:   userID,
			Prompt:   promptText,
			Provider: activityProvider(activity),
		})
		if err != nil {
			return err
		}

		if result.AssetURL != "" {
			if err := persistAsset(ctx, env.Store, activity, storyID, characterID, pageID, result.AssetURL); err != nil {
				return eris.Wrap(err, "persist asset")
			}
			fmt.Println(result.AssetURL)
		} else {
			fmt.Printf("inline asset: %d bytes\n", len(result.Inline))
		}
		fmt.Fprintf(os.Stderr, "latency=%s tokens_in=%d tokens_out=%d\n",
			result.Latency, result.TokensIn, result.TokensOut)
		return nil
	},
}

func init() {
	generateCmd.Flags().String("activity", "cover", "activity to run (character_thumbnail, cover, cover_variant, page_illustration, pdf_export)")
	generateCmd.Flags().String("user", "", "user ID for the in-flight registry (empty for system calls)")
	generateCmd.Flags().String("prompt", "", "prompt text")
	generateCmd.Flags().String("page-text", "", "page narrative to build a prompt from")
	generateCmd.Flags().String("story", "", "owning story ID (required for design and export activities)")
	generateCmd.Flags().String("character", "", "character ID to persist a thumbnail onto")
	generateCmd.Flags().String("page", "", "page ID to persist an illustration onto")
	rootCmd.AddCommand(generateCmd)
}
